// Package mail renders alert notices and relays them over SMTP.
package mail

import (
	"bytes"
	"context"
	"embed"
	"fmt"
	htmltemplate "html/template"
	netmail "net/mail"
	"net/url"
	"strconv"
	"strings"
	texttemplate "text/template"
	"time"

	"github.com/Masterminds/sprig/v3"
	gomail "github.com/wneessen/go-mail"

	"gitlab.com/localtalent/cve-tracker/alerts"
	"gitlab.com/localtalent/cve-tracker/tracker"
)

//go:embed templates
var templates embed.FS

const (
	textTemplate = "templates/alert_notice.txt.tmpl"
	htmlTemplate = "templates/alert_notice.html.tmpl"
)

type sender interface {
	DialAndSendWithContext(ctx context.Context, messages ...*gomail.Msg) error
}

// Mailer sends alert notices through the configured relay.
type Mailer struct {
	config tracker.Mail
	client sender
	text   *texttemplate.Template
	html   *htmltemplate.Template
}

func NewMailer(config tracker.Mail) (*Mailer, error) {
	opts := []gomail.Option{
		gomail.WithPort(config.Port),
		gomail.WithTimeout(30 * time.Second),
	}
	if config.TLS {
		opts = append(opts, gomail.WithTLSPolicy(gomail.TLSMandatory))
	} else {
		opts = append(opts, gomail.WithTLSPolicy(gomail.NoTLS))
	}
	if config.Username != "" {
		opts = append(opts,
			gomail.WithSMTPAuth(gomail.SMTPAuthPlain),
			gomail.WithUsername(config.Username),
			gomail.WithPassword(config.Password),
		)
	}

	client, err := gomail.NewClient(config.Host, opts...)
	if err != nil {
		return nil, fmt.Errorf("could not create mail client: %w", err)
	}
	return newMailer(config, client)
}

func newMailer(config tracker.Mail, client sender) (*Mailer, error) {
	text, err := texttemplate.New("alert_notice.txt.tmpl").
		Funcs(sprig.TxtFuncMap()).
		ParseFS(templates, textTemplate)
	if err != nil {
		return nil, fmt.Errorf("could not parse text template: %w", err)
	}
	html, err := htmltemplate.New("alert_notice.html.tmpl").
		Funcs(sprig.HtmlFuncMap()).
		ParseFS(templates, htmlTemplate)
	if err != nil {
		return nil, fmt.Errorf("could not parse html template: %w", err)
	}
	return &Mailer{config: config, client: client, text: text, html: html}, nil
}

// SendAlertNotice mails notice to its To and Cc recipients.
func (m *Mailer) SendAlertNotice(ctx context.Context, notice alerts.Notice) error {
	msg, err := m.Message(notice)
	if err != nil {
		return err
	}
	if err := m.client.DialAndSendWithContext(ctx, msg); err != nil {
		return fmt.Errorf("could not send mail: %w", err)
	}
	return nil
}

// Message builds the mail for notice without sending it.
func (m *Mailer) Message(notice alerts.Notice) (*gomail.Msg, error) {
	if len(notice.To)+len(notice.Cc) == 0 {
		return nil, fmt.Errorf("notice for %s has no recipients", notice.PlatformID)
	}

	msg := gomail.NewMsg()
	if err := msg.From(m.config.From); err != nil {
		return nil, fmt.Errorf("invalid sender %q: %w", m.config.From, err)
	}
	if len(notice.To) > 0 {
		if err := msg.To(addresses(notice.To)...); err != nil {
			return nil, fmt.Errorf("invalid recipient: %w", err)
		}
	}
	if len(notice.Cc) > 0 {
		if err := msg.Cc(addresses(notice.Cc)...); err != nil {
			return nil, fmt.Errorf("invalid recipient: %w", err)
		}
	}
	msg.Subject(notice.Subject())
	msg.SetDate()
	msg.SetMessageID()

	view := m.view(notice)
	if err := msg.SetBodyTextTemplate(m.text, view); err != nil {
		return nil, fmt.Errorf("could not render text body: %w", err)
	}
	if err := msg.AddAlternativeHTMLTemplate(m.html, view); err != nil {
		return nil, fmt.Errorf("could not render html body: %w", err)
	}
	return msg, nil
}

// render executes both templates, for previews and tests.
func (m *Mailer) render(notice alerts.Notice) (text, html string, err error) {
	view := m.view(notice)
	buf := bytes.Buffer{}
	if err := m.text.Execute(&buf, view); err != nil {
		return "", "", err
	}
	text = buf.String()
	buf.Reset()
	if err := m.html.Execute(&buf, view); err != nil {
		return "", "", err
	}
	return text, buf.String(), nil
}

func addresses(recipients []tracker.Recipient) []string {
	list := make([]string, 0, len(recipients))
	for _, r := range recipients {
		list = append(list, (&netmail.Address{Name: r.Name, Address: r.Email}).String())
	}
	return list
}

type noticeView struct {
	alerts.Notice
	baseURL string
}

func (m *Mailer) view(notice alerts.Notice) noticeView {
	return noticeView{Notice: notice, baseURL: strings.TrimSuffix(m.config.BaseURL, "/")}
}

func (v noticeView) NewProduct() bool {
	return v.Context == alerts.ContextNewProduct
}

// Threat is the formatted max threat score, empty when none was computed.
func (v noticeView) Threat() string {
	if v.MaxThreat == nil {
		return ""
	}
	return strconv.FormatFloat(*v.MaxThreat, 'f', 1, 64)
}

func (v noticeView) CVEURL(id string) string {
	if v.baseURL == "" {
		return ""
	}
	return v.baseURL + "/cves/" + url.PathEscape(id)
}

func (v noticeView) AlertsURL() string {
	if v.baseURL == "" {
		return ""
	}
	return v.baseURL + "/organizations/" + url.PathEscape(v.Tenant.Name) + "/alerts"
}

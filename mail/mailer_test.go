package mail

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	gomail "github.com/wneessen/go-mail"

	"gitlab.com/localtalent/cve-tracker/alerts"
	"gitlab.com/localtalent/cve-tracker/tracker"
)

type fakeSender struct {
	sent []*gomail.Msg
	err  error
}

func (f *fakeSender) DialAndSendWithContext(ctx context.Context, messages ...*gomail.Msg) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, messages...)
	return nil
}

func testNotice() alerts.Notice {
	threat := 11.8
	return alerts.Notice{
		Context:          alerts.ContextCVEUpdate,
		Tenant:           tracker.Tenant{ID: 1, Name: "acme"},
		PlatformID:       "cpe:2.3:a:openssl:openssl:3.0.0:*:*:*:*:*:*:*",
		VulnerabilityIDs: []string{"CVE-2024-0001", "CVE-2024-0002"},
		CriticalCount:    1,
		MaxThreat:        &threat,
		To:               []tracker.Recipient{{UserID: 1, Email: "admin@acme.test", Name: "Admin", Role: tracker.RoleAdmin}},
		Cc:               []tracker.Recipient{{UserID: 2, Email: "member@acme.test", Name: "Member", Role: tracker.RoleMember}},
		SentAt:           time.Date(2024, 3, 1, 12, 30, 0, 0, time.UTC),
	}
}

func testMailer(t *testing.T, client sender) *Mailer {
	t.Helper()
	m, err := newMailer(tracker.Mail{From: "alerts@tracker.test", BaseURL: "https://tracker.test/"}, client)
	require.NoError(t, err)
	return m
}

func TestMessageHeaders(t *testing.T) {
	require := require.New(t)

	m := testMailer(t, &fakeSender{})
	msg, err := m.Message(testNotice())
	require.NoError(err)

	require.Equal(
		[]string{"New alerts detected for cpe:2.3:a:openssl:openssl:3.0.0:*:*:*:*:*:*:* in acme (CVE update)"},
		msg.GetGenHeader(gomail.HeaderSubject),
	)

	to := msg.GetAddrHeader(gomail.HeaderTo)
	require.Len(to, 1)
	require.Equal("admin@acme.test", to[0].Address)
	require.Equal("Admin", to[0].Name)

	cc := msg.GetAddrHeader(gomail.HeaderCc)
	require.Len(cc, 1)
	require.Equal("member@acme.test", cc[0].Address)

	from := msg.GetAddrHeader(gomail.HeaderFrom)
	require.Len(from, 1)
	require.Equal("alerts@tracker.test", from[0].Address)
}

func TestMessageNewProductSubject(t *testing.T) {
	require := require.New(t)

	notice := testNotice()
	notice.Context = alerts.ContextNewProduct
	notice.Cc = nil

	msg, err := testMailer(t, &fakeSender{}).Message(notice)
	require.NoError(err)
	require.Equal(
		[]string{"Product added and new alerts detected for cpe:2.3:a:openssl:openssl:3.0.0:*:*:*:*:*:*:* in acme"},
		msg.GetGenHeader(gomail.HeaderSubject),
	)
	require.Empty(msg.GetAddrHeader(gomail.HeaderCc))
}

func TestMessageWithoutRecipients(t *testing.T) {
	notice := testNotice()
	notice.To = nil
	notice.Cc = nil

	_, err := testMailer(t, &fakeSender{}).Message(notice)
	require.Error(t, err)
}

func TestRender(t *testing.T) {
	require := require.New(t)

	text, html, err := testMailer(t, &fakeSender{}).render(testNotice())
	require.NoError(err)

	require.Contains(text, "A vulnerability feed update raised new alerts for cpe:2.3:a:openssl:openssl:3.0.0")
	require.Contains(text, "New alerts: 2")
	require.Contains(text, "Critical:   1")
	require.Contains(text, "Max threat: 11.8")
	require.Contains(text, "  - CVE-2024-0001  https://tracker.test/cves/CVE-2024-0001")
	require.Contains(text, "Review the alerts at https://tracker.test/organizations/acme/alerts")
	require.Contains(text, "Sent 2024-03-01 12:30 UTC")

	require.Contains(html, `<a href="https://tracker.test/cves/CVE-2024-0002">CVE-2024-0002</a>`)
	require.Contains(html, "<td>11.8</td>")
}

func TestRenderWithoutAlerts(t *testing.T) {
	require := require.New(t)

	notice := testNotice()
	notice.Context = alerts.ContextNewProduct
	notice.VulnerabilityIDs = nil
	notice.CriticalCount = 0
	notice.MaxThreat = nil

	m, err := newMailer(tracker.Mail{From: "alerts@tracker.test"}, &fakeSender{})
	require.NoError(err)
	text, html, err := m.render(notice)
	require.NoError(err)

	require.Contains(text, "was added to the products of acme")
	require.Contains(text, "No known vulnerability affects this product.")
	require.Contains(text, "Max threat: n/a")
	require.NotContains(text, "Review the alerts")
	require.Contains(html, "<p>No known vulnerability affects this product.</p>")
}

func TestSendAlertNotice(t *testing.T) {
	require := require.New(t)

	client := &fakeSender{}
	require.NoError(testMailer(t, client).SendAlertNotice(context.Background(), testNotice()))
	require.Len(client.sent, 1)

	client.err = errors.New("connection refused")
	err := testMailer(t, client).SendAlertNotice(context.Background(), testNotice())
	require.ErrorContains(err, "connection refused")
}

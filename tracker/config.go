package tracker

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

type Config struct {
	Database Database
	HTTP     HTTP
	NVD      NVD
	Mail     Mail
	Scoring  Scoring
	Schedule Schedule
	Vulnrich Vulnrich
	Logging  Logging
}

type Database struct {
	Driver string
	DSN    string `toml:"dsn"`
	Debug  bool
}

type HTTP struct {
	Listen     string
	SessionTTL Duration `toml:"session_ttl"`
	Secure     bool
}

type NVD struct {
	Endpoint   string
	APIKey     string   `toml:"api_key"`
	Timeout    Duration
	MaxRetries int      `toml:"max_retries"`
	RetryStep  Duration `toml:"retry_step"`
	RateLimit  Duration `toml:"rate_limit"`
	MaxWindow  Duration `toml:"max_window"`
	PageSize   PageSize `toml:"page_size"`
}

type PageSize struct {
	CVE   int `toml:"cve"`
	CPE   int `toml:"cpe"`
	Match int `toml:"match"`
}

type Mail struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	TLS      bool   `toml:"tls"`
	BaseURL  string `toml:"base_url"`
	Disabled bool
}

type Scoring struct {
	ThreatRule string `toml:"threat_rule"`
}

type Schedule struct {
	CVEUpdate     string `toml:"cve_update"`
	CPEUpdate     string `toml:"cpe_update"`
	MatchUpdate   string `toml:"match_update"`
	Vulnrich      string `toml:"vulnrich"`
	PurgeSessions string `toml:"purge_sessions"`
}

type Vulnrich struct {
	Remote       string
	Path         string
	LookupPeriod Duration `toml:"lookup_period"`
}

type Logging struct {
	Level  string
	Format string
}

// Duration decodes TOML strings such as "6s" or "2400h".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

func DefaultConfig() Config {
	return Config{
		Database: Database{Driver: "sqlite", DSN: "tracker.db"},
		HTTP: HTTP{
			Listen:     ":8080",
			SessionTTL: Duration{7 * 24 * time.Hour},
		},
		NVD: NVD{
			Endpoint:   "https://services.nvd.nist.gov/rest/json/%s/2.0",
			Timeout:    Duration{10 * time.Second},
			MaxRetries: 15,
			RetryStep:  Duration{5 * time.Second},
			RateLimit:  Duration{6 * time.Second},
			MaxWindow:  Duration{100 * 24 * time.Hour},
			PageSize:   PageSize{CVE: 2000, CPE: 10000, Match: 500},
		},
		Mail: Mail{Port: 587, TLS: true, From: "alerts@localhost"},
		Scoring: Scoring{
			ThreatRule: `score + (exploitation == "active" ? 2 : exploitation == "poc" ? 1 : 0) + (automatable == "yes" ? 0.5 : 0)`,
		},
		Schedule: Schedule{
			CVEUpdate:     "0 */2 * * *",
			CPEUpdate:     "30 3 * * *",
			MatchUpdate:   "45 3 * * *",
			Vulnrich:      "15 4 * * *",
			PurgeSessions: "0 5 * * *",
		},
		Vulnrich: Vulnrich{
			Remote:       "https://github.com/cisagov/vulnrichment.git",
			Path:         "vulnrichment.git",
			LookupPeriod: Duration{7 * 24 * time.Hour},
		},
		Logging: Logging{Level: "info", Format: "text"},
	}
}

// ParseConfig decodes TOML on top of DefaultConfig.
func ParseConfig(config io.Reader) (c Config, err error) {
	c = DefaultConfig()
	tomlData, err := io.ReadAll(config)
	if err != nil {
		return c, fmt.Errorf("could not read config file: %w", err)
	}
	_, err = toml.Decode(string(tomlData), &c)
	if err != nil {
		return c, fmt.Errorf("could not decode toml: %w", err)
	}
	return c, nil
}

func ParseConfigFromFile(path string) (c Config, err error) {
	f, err := os.Open(path)
	if err != nil {
		return c, fmt.Errorf("could not open config file: %w", err)
	}
	defer f.Close()

	return ParseConfig(f)
}

// LoadConfig reads an optional .env file, the TOML file at path, and then
// applies secrets from the environment. A missing TOML file yields the
// defaults.
func LoadConfig(path string) (Config, error) {
	err := godotenv.Load()
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("could not load .env: %w", err)
	}

	c, err := ParseConfigFromFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		c = DefaultConfig()
	} else if err != nil {
		return c, err
	}

	c.applyEnv()
	return c, nil
}

func (c *Config) applyEnv() {
	if v, ok := os.LookupEnv("NIST_API_KEY"); ok {
		c.NVD.APIKey = v
	}
	if v, ok := os.LookupEnv("MAIL_PASSWORD"); ok {
		c.Mail.Password = v
	}
	if v, ok := os.LookupEnv("DATABASE_DSN"); ok {
		c.Database.DSN = v
	}
}

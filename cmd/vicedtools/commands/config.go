package commands

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"
	"vicedtools/internal/components/telemetry"
	"vicedtools/internal/normalize"
	"vicedtools/internal/portal"
	"vicedtools/internal/portal/keypad"
	"vicedtools/internal/portal/transport"
	"vicedtools/internal/portals/dataservice"
	"vicedtools/internal/portals/vass"
	"vicedtools/lib/configutil"
	configlibsql "vicedtools/lib/configutil/libsql"

	"github.com/joho/godotenv"
)

const (
	portalVass        = "vass"
	portalDataService = "dataservice"
)

// AccountConfig is one portal login. Portal is vass unless set, and
// GridPassword is the VASS keypad secret as [column, row] pairs.
type AccountConfig struct {
	Name         string              `json:"name"`
	Portal       string              `json:"portal"`
	Username     string              `json:"username"`
	Password     string              `json:"password"`
	GridPassword []keypad.Coordinate `json:"grid_password"`
	Period       string              `json:"period"`
	BaseUrl      string              `json:"base_url"`
}

func (a AccountConfig) Credentials() portal.Credentials {
	return portal.Credentials{
		Username: a.Username,
		Password: a.Password,
		Secret:   a.GridPassword,
	}
}

type TransportConfig struct {
	TimeoutSeconds    int      `json:"timeout_seconds"`
	Retries           *int     `json:"retries"`
	RequestsPerSecond *float64 `json:"requests_per_second"`
	CloudflareBypass  bool     `json:"cloudflare_bypass"`
	DebugDir          string   `json:"debug_dir"`
}

// Options are the transport options of one account.
func (c TransportConfig) Options(account AccountConfig) transport.Options {
	opts := transport.DefaultOptions(account.BaseUrl)
	if account.Portal == portalDataService {
		opts = dataservice.TransportOptions(account.BaseUrl)
	}
	if c.TimeoutSeconds > 0 {
		opts.Timeout = time.Duration(c.TimeoutSeconds) * time.Second
	}
	if c.Retries != nil {
		opts.Retries = *c.Retries
	}
	if c.RequestsPerSecond != nil {
		opts.RequestsPerSecond = *c.RequestsPerSecond
	}
	opts.CloudflareBypass = c.CloudflareBypass
	return opts
}

type AuthConfig struct {
	KeypadAttempts int `json:"keypad_attempts"`
}

type OutputConfig struct {
	Dir          string              `json:"dir"`
	FileTemplate string              `json:"file_template"`
	Database     configlibsql.Struct `json:"database"`
}

type Config struct {
	Accounts  []AccountConfig  `json:"accounts"`
	Transport TransportConfig  `json:"transport"`
	Auth      AuthConfig       `json:"auth"`
	Output    OutputConfig     `json:"output"`
	Normalize normalize.Config `json:"normalize"`
	// Schedule is a cron spec evaluated in the Melbourne timezone.
	Schedule  string           `json:"schedule"`
	Telemetry telemetry.Config `json:"telemetry"`
}

const defaultDebugDir = "<dev_state>/resty/vass"

// Account finds a configured account by name.
func (c Config) Account(name string) (AccountConfig, bool) {
	for _, a := range c.Accounts {
		if a.Name == name {
			return a, true
		}
	}
	return AccountConfig{}, false
}

func (c *Config) applyDefaults() {
	if len(c.Accounts) == 1 && c.Accounts[0].Name == "" {
		c.Accounts[0].Name = "default"
	}
	for i := range c.Accounts {
		a := &c.Accounts[i]
		if a.Portal == "" {
			a.Portal = portalVass
		}
		if a.BaseUrl == "" && a.Portal == portalDataService {
			a.BaseUrl = dataservice.DefaultBaseUrl
		}
		if a.BaseUrl == "" {
			a.BaseUrl = vass.DefaultBaseUrl
		}
	}
	if c.Output.Dir == "" {
		c.Output.Dir = "."
	}
	if c.Transport.DebugDir == "" {
		c.Transport.DebugDir = defaultDebugDir
	}
}

// expandEnv replaces ${VAR} references in credential fields so secrets can
// live in the environment or a .env file.
func (c *Config) expandEnv() {
	for i := range c.Accounts {
		a := &c.Accounts[i]
		a.Username = os.ExpandEnv(a.Username)
		a.Password = os.ExpandEnv(a.Password)
	}
	c.Output.Database.Url = os.ExpandEnv(c.Output.Database.Url)
	c.Output.Database.AuthToken = os.ExpandEnv(c.Output.Database.AuthToken)
}

func (c Config) validate() error {
	if len(c.Accounts) == 0 {
		return fmt.Errorf("no accounts are configured")
	}
	seen := map[string]bool{}
	for i, a := range c.Accounts {
		if a.Name == "" {
			return fmt.Errorf("accounts[%d] has no name", i)
		}
		if seen[a.Name] {
			return fmt.Errorf("account %q is configured twice", a.Name)
		}
		seen[a.Name] = true
		if a.Username == "" || a.Password == "" {
			return fmt.Errorf("account %q is missing a username or password", a.Name)
		}
		switch a.Portal {
		case portalVass:
			if len(a.GridPassword) == 0 {
				return fmt.Errorf("account %q has no grid_password", a.Name)
			}
		case portalDataService:
		default:
			return fmt.Errorf("account %q has unknown portal %q, expected %s or %s", a.Name, a.Portal, portalVass, portalDataService)
		}
	}
	if c.Auth.KeypadAttempts < 0 {
		return fmt.Errorf("auth.keypad_attempts must not be negative")
	}
	return nil
}

// LoadConfig loads .env from the working directory if present and then
// reads `path` with its local overrides. A bare file name is looked up in
// the working directory and then in each of its parents.
func LoadConfig(path string) (Config, error) {
	err := godotenv.Load()
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, err
	}

	var cfg Config
	if filepath.Base(path) == path {
		cfg, err = configutil.ReadRecursively[Config](path)
	} else {
		cfg, err = configutil.ReadConfig[Config](path)
	}
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg.applyDefaults()
	cfg.expandEnv()
	err = cfg.validate()
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

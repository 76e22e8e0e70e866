package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support YAML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	raw := value.Value
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures the runtime configuration for the badged coordinator.
type Config struct {
	ListenAddress string          `yaml:"listen"`
	DatabasePath  string          `yaml:"database"`
	Environment   string          `yaml:"environment"`
	Ledger        LedgerConfig    `yaml:"ledger"`
	Relay         RelayConfig     `yaml:"relay"`
	Reconcile     ReconcileConfig `yaml:"reconcile"`
	API           APIConfig       `yaml:"api"`
}

// LedgerConfig configures the registry contract reads.
type LedgerConfig struct {
	RPCEndpoint    string   `yaml:"rpc_url"`
	Contract       string   `yaml:"contract"`
	ReadTimeout    Duration `yaml:"read_timeout"`
	ReadsPerSecond float64  `yaml:"reads_per_second"`
	ReadBurst      int      `yaml:"read_burst"`
	SearchWindow   uint64   `yaml:"search_window"`
}

// RelayConfig configures the sponsored transaction relay.
type RelayConfig struct {
	Endpoint            string `yaml:"endpoint"`
	AuthToken           string `yaml:"auth_token"`
	AuthTokenEnv        string `yaml:"auth_token_env"`
	AuthTokenFile       string `yaml:"auth_token_file"`
	SignerCredentialRef string `yaml:"signer_credential_ref"`
}

// ReconcileConfig tunes the reconciliation engine and resync worker.
type ReconcileConfig struct {
	UnavailablePolicy string   `yaml:"unavailable_policy"`
	ConfirmWindow     Duration `yaml:"confirm_window"`
	PollInterval      Duration `yaml:"poll_interval"`
	ResyncInterval    Duration `yaml:"resync_interval"`
}

// APIConfig captures security settings for the HTTP API.
type APIConfig struct {
	Keys              []string `yaml:"keys"`
	KeysEnv           string   `yaml:"keys_env"`
	RequestsPerMinute float64  `yaml:"requests_per_minute"`
	Burst             int      `yaml:"burst"`
}

// LoadConfig reads configuration from the supplied path.
func LoadConfig(path string) (Config, error) {
	cfg := Config{}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()
	dec := yaml.NewDecoder(file)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	applyDefaults(&cfg)
	if err := cfg.Relay.normalise(); err != nil {
		return cfg, fmt.Errorf("relay auth: %w", err)
	}
	if err := cfg.API.normalise(); err != nil {
		return cfg, fmt.Errorf("api security: %w", err)
	}
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":7194"
	}
	if cfg.DatabasePath == "" {
		cfg.DatabasePath = "badged.db"
	}
	if cfg.Environment == "" {
		cfg.Environment = "dev"
	}
	if cfg.Ledger.ReadTimeout.Duration == 0 {
		cfg.Ledger.ReadTimeout.Duration = 10 * time.Second
	}
	if cfg.Ledger.ReadsPerSecond <= 0 {
		cfg.Ledger.ReadsPerSecond = 50
	}
	if cfg.Ledger.ReadBurst <= 0 {
		cfg.Ledger.ReadBurst = 25
	}
	if cfg.Ledger.SearchWindow == 0 {
		cfg.Ledger.SearchWindow = 50000
	}
	if cfg.Reconcile.ConfirmWindow.Duration == 0 {
		cfg.Reconcile.ConfirmWindow.Duration = time.Minute
	}
	if cfg.Reconcile.PollInterval.Duration == 0 {
		cfg.Reconcile.PollInterval.Duration = 2 * time.Second
	}
	if cfg.Reconcile.ResyncInterval.Duration == 0 {
		cfg.Reconcile.ResyncInterval.Duration = 10 * time.Minute
	}
	if cfg.API.RequestsPerMinute <= 0 {
		cfg.API.RequestsPerMinute = 120
	}
	if cfg.API.Burst <= 0 {
		cfg.API.Burst = 20
	}
}

func validateConfig(cfg Config) error {
	if strings.TrimSpace(cfg.Ledger.RPCEndpoint) == "" {
		return fmt.Errorf("ledger rpc_url must be configured")
	}
	if strings.TrimSpace(cfg.Ledger.Contract) == "" {
		return fmt.Errorf("ledger contract must be configured")
	}
	if strings.TrimSpace(cfg.Relay.Endpoint) == "" {
		return fmt.Errorf("relay endpoint must be configured")
	}
	if strings.TrimSpace(cfg.Relay.SignerCredentialRef) == "" {
		return fmt.Errorf("relay signer_credential_ref must be configured")
	}
	if len(cfg.API.Keys) == 0 {
		return fmt.Errorf("configure at least one api key")
	}
	return nil
}

func (r *RelayConfig) normalise() error {
	if r == nil {
		return fmt.Errorf("relay configuration missing")
	}
	r.AuthToken = strings.TrimSpace(r.AuthToken)
	r.AuthTokenEnv = strings.TrimSpace(r.AuthTokenEnv)
	r.AuthTokenFile = strings.TrimSpace(r.AuthTokenFile)
	if r.AuthToken != "" {
		return nil
	}
	switch {
	case r.AuthTokenEnv != "":
		value := strings.TrimSpace(os.Getenv(r.AuthTokenEnv))
		if value == "" {
			return fmt.Errorf("auth_token_env %s is empty", r.AuthTokenEnv)
		}
		r.AuthToken = value
	case r.AuthTokenFile != "":
		contents, err := os.ReadFile(r.AuthTokenFile)
		if err != nil {
			return fmt.Errorf("read auth_token_file: %w", err)
		}
		r.AuthToken = strings.TrimSpace(string(contents))
	default:
		return fmt.Errorf("auth_token is required")
	}
	return nil
}

func (a *APIConfig) normalise() error {
	if a == nil {
		return fmt.Errorf("api configuration missing")
	}
	keys := make([]string, 0, len(a.Keys))
	for _, key := range a.Keys {
		if trimmed := strings.TrimSpace(key); trimmed != "" {
			keys = append(keys, trimmed)
		}
	}
	if env := strings.TrimSpace(a.KeysEnv); env != "" {
		for _, key := range strings.Split(os.Getenv(env), ",") {
			if trimmed := strings.TrimSpace(key); trimmed != "" {
				keys = append(keys, trimmed)
			}
		}
	}
	a.Keys = keys
	return nil
}

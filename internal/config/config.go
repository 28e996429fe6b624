package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"sentinel-kernel/internal/policy"
)

// Config is the daemon's startup configuration: only the keys spec.md §6
// names are recognized, and unknown top-level keys are rejected at load.
type Config struct {
	Policy    PolicyConfig    `json:"policy"`
	Session   SessionConfig   `json:"session"`
	Contracts ContractsConfig `json:"contracts"`
	Chain     ChainConfig     `json:"chain"`
	Server    ServerConfig    `json:"server"`
	Operator  OperatorConfig  `json:"operator"`
	Transport TransportConfig `json:"transport"`
	Audit     AuditConfig     `json:"audit"`
	Lock      LockConfig      `json:"lock"`
}

// PolicyConfig mirrors internal/policy.Config in the config file's own
// human-facing units (a percent rather than basis points) before
// conversion via ToPolicyConfig.
type PolicyConfig struct {
	MaxTradePercent float64  `json:"maxTradePercent" yaml:"maxTradePercent"`
	MaxSlippageBps  uint32   `json:"maxSlippageBps" yaml:"maxSlippageBps"`
	AllowedDexes    []string `json:"allowedDexes" yaml:"allowedDexes"`
	AllowedAssets   []string `json:"allowedAssets" yaml:"allowedAssets"`
}

// ToPolicyConfig converts the config file's PolicyConfig into
// internal/policy.Config, the type the policy engine is constructed from.
func (p PolicyConfig) ToPolicyConfig() (policy.Config, error) {
	assets := make([]policy.Asset, 0, len(p.AllowedAssets))
	for _, a := range p.AllowedAssets {
		assets = append(assets, policy.Asset(a))
	}
	cfg := policy.Config{
		MaxTradeBps:    uint32(p.MaxTradePercent * 100),
		MaxSlippageBps: p.MaxSlippageBps,
		AllowedDexes:   append([]string(nil), p.AllowedDexes...),
		AllowedAssets:  assets,
	}
	if err := cfg.Validate(); err != nil {
		return policy.Config{}, err
	}
	return cfg, nil
}

// SessionConfig controls the session lifecycle defaults spec.md §6 names.
type SessionConfig struct {
	DefaultDepositUSDC   string `json:"defaultDepositUsdc"`
	MaxActionsPerSession int    `json:"maxActionsPerSession"`
	TimeoutMs            int    `json:"timeoutMs"`
}

// ContractsConfig is the address book of deployed on-chain contracts.
type ContractsConfig struct {
	Guard       string `json:"guard"`
	Vault       string `json:"vault"`
	ENSRegistry string `json:"ensRegistry"`
	Quoter      string `json:"quoter"`
}

// ChainConfig describes the RPC endpoint the kernel dials.
type ChainConfig struct {
	Name   string `json:"name"`
	RPCURL string `json:"rpcUrl"`
}

// ServerConfig controls the HTTP API's listen address.
type ServerConfig struct {
	Address string `json:"address"`
}

// OperatorConfig names where the session manager's co-signing key and the
// counterparty wallet address come from. PrivateKeyEnv is preferred over
// PrivateKeyHex so the key itself never has to live in a checked-in file.
type OperatorConfig struct {
	PrivateKeyHex    string `json:"privateKeyHex"`
	PrivateKeyEnv    string `json:"privateKeyEnv"`
	CounterpartyAddr string `json:"counterpartyAddress"`
}

// AuditConfig optionally mirrors the in-memory audit log to a durable
// MySQL sink. An empty DSN keeps the log memory-only.
type AuditConfig struct {
	MySQLDSN     string `json:"mysqlDsn"`
	MaxOpenConns int    `json:"maxOpenConns"`
	MaxIdleConns int    `json:"maxIdleConns"`
}

// LockConfig selects the session manager's per-session exclusive lock:
// "memory" for a single kernel instance, "redis" to share locking across
// replicas.
type LockConfig struct {
	Driver        string `json:"driver"`
	RedisAddress  string `json:"redisAddress"`
	RedisPassword string `json:"redisPassword"`
	RedisDB       int    `json:"redisDb"`
	TTLMs         int    `json:"ttlMs"`
}

// TransportConfig selects how the channel ledger reaches the counterparty
// for co-signatures: "memory" (or empty) builds no transport, so sessions
// open no channel and run memory-only; "amqp" dials RabbitMQ request/reply
// queues.
type TransportConfig struct {
	Driver       string `json:"driver"`
	AMQPURL      string `json:"amqpUrl"`
	RequestQueue string `json:"requestQueue"`
	ReplyQueue   string `json:"replyQueue"`
}

// Load parses the JSON configuration file at path. Unknown top-level keys
// are rejected, per spec.md §6: "Unknown options are rejected at load."
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config file: %w", err)
	}
	defer file.Close()

	var cfg Config
	decoder := json.NewDecoder(file)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Session.DefaultDepositUSDC == "" {
		c.Session.DefaultDepositUSDC = "1000"
	}
	if c.Session.MaxActionsPerSession == 0 {
		c.Session.MaxActionsPerSession = 100
	}
	if c.Session.TimeoutMs == 0 {
		c.Session.TimeoutMs = 30_000
	}
	if c.Policy.MaxSlippageBps == 0 {
		c.Policy.MaxSlippageBps = 100
	}
	if c.Transport.Driver == "" {
		c.Transport.Driver = "memory"
	}
	if c.Lock.Driver == "" {
		c.Lock.Driver = "memory"
	}
}

// LoadPolicyDocument parses the hand-edited YAML policy document at path
// and converts it directly to internal/policy.Config. Kept as a distinct
// artifact from the JSON daemon config: policy changes are meant to be
// reviewed and diffed on their own, not buried in application config.
func LoadPolicyDocument(path string) (policy.Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return policy.Config{}, fmt.Errorf("read policy document: %w", err)
	}

	var doc PolicyConfig
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return policy.Config{}, fmt.Errorf("parse policy document: %w", err)
	}
	return doc.ToPolicyConfig()
}

// ResolveDataPath joins a possibly-relative path against baseDir, the
// config file's own directory.
func ResolveDataPath(baseDir, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(baseDir, p)
}

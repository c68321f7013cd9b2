package redundancy

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ozanturksever/go-redundancy/endpoint"
)

const (
	DefaultSetID           = "redundant-set"
	DefaultSamplerInterval = 500 * time.Millisecond
	DefaultFaultDelayMin   = 5 * time.Second
	DefaultFaultDelayMax   = 10 * time.Second
	DefaultShutdownGrace   = 1 * time.Second
)

// FaultMode selects what the failure injector does when it fires.
type FaultMode int

const (
	// FaultModeFail forces the instance into Failed; it is never reselected.
	FaultModeFail FaultMode = iota
	// FaultModeShutdown shuts the instance down gracefully; it is rebuilt
	// when its turn comes again.
	FaultModeShutdown
)

// String returns the string representation of the fault mode.
func (m FaultMode) String() string {
	switch m {
	case FaultModeFail:
		return "fail"
	case FaultModeShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// ParseFaultMode parses "fail" or "shutdown". The empty string is "fail".
func ParseFaultMode(s string) (FaultMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "fail":
		return FaultModeFail, nil
	case "shutdown":
		return FaultModeShutdown, nil
	}
	return FaultModeFail, fmt.Errorf("unknown fault mode %q", s)
}

// Config configures a redundant set.
type Config struct {
	SetID string

	// Size is the number of instances, at least 1.
	Size int

	// ServerIDs optionally names the instances; defaults to server-0..server-N-1.
	ServerIDs []string

	SamplerInterval time.Duration

	// Failure injection
	FaultDelayMin time.Duration
	FaultDelayMax time.Duration
	FaultMode     FaultMode
	DisableFaults bool

	// ShutdownGrace is the countdown published before a graceful stop.
	ShutdownGrace time.Duration

	// Seed makes sampling and fault delays reproducible; 0 seeds from the clock.
	Seed uint64

	// MetricsAddr, if set, serves Prometheus metrics on /metrics.
	MetricsAddr string

	Logger *slog.Logger
}

func (c *Config) Validate() error {
	if c.Size < 1 {
		return fmt.Errorf("Size must be at least 1")
	}
	if len(c.ServerIDs) > 0 && len(c.ServerIDs) != c.Size {
		return fmt.Errorf("ServerIDs has %d entries, want %d", len(c.ServerIDs), c.Size)
	}
	seen := make(map[string]struct{}, len(c.ServerIDs))
	for _, id := range c.ServerIDs {
		if id == "" {
			return fmt.Errorf("ServerIDs must not contain empty ids")
		}
		if _, ok := seen[id]; ok {
			return fmt.Errorf("%w: %s", ErrDuplicateID, id)
		}
		seen[id] = struct{}{}
	}
	if c.SamplerInterval < 0 {
		return fmt.Errorf("SamplerInterval must not be negative")
	}
	if c.FaultDelayMin < 0 || c.FaultDelayMax < 0 {
		return fmt.Errorf("fault delays must not be negative")
	}
	if c.FaultDelayMax != 0 && c.FaultDelayMin > c.FaultDelayMax {
		return fmt.Errorf("FaultDelayMin %v exceeds FaultDelayMax %v", c.FaultDelayMin, c.FaultDelayMax)
	}
	if c.FaultMode != FaultModeFail && c.FaultMode != FaultModeShutdown {
		return fmt.Errorf("unknown fault mode %d", c.FaultMode)
	}
	if c.ShutdownGrace < 0 {
		return fmt.Errorf("ShutdownGrace must not be negative")
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.SetID == "" {
		c.SetID = DefaultSetID
	}
	if len(c.ServerIDs) == 0 {
		c.ServerIDs = make([]string, c.Size)
		for i := range c.ServerIDs {
			c.ServerIDs[i] = fmt.Sprintf("server-%d", i)
		}
	}
	if c.SamplerInterval == 0 {
		c.SamplerInterval = DefaultSamplerInterval
	}
	if c.FaultDelayMin == 0 && c.FaultDelayMax == 0 {
		c.FaultDelayMin = DefaultFaultDelayMin
		c.FaultDelayMax = DefaultFaultDelayMax
	}
	if c.FaultDelayMax == 0 {
		c.FaultDelayMax = c.FaultDelayMin
	}
	if c.ShutdownGrace == 0 {
		c.ShutdownGrace = DefaultShutdownGrace
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// FileConfig is the set configuration as stored in a JSON or YAML file.
type FileConfig struct {
	SetID           string         `json:"setId" yaml:"setId"`
	Size            int            `json:"size" yaml:"size"`
	ServerIDs       []string       `json:"serverIds,omitempty" yaml:"serverIds,omitempty"`
	SamplerMs       int64          `json:"samplerIntervalMs,omitempty" yaml:"samplerIntervalMs,omitempty"`
	ShutdownGraceMs int64          `json:"shutdownGraceMs,omitempty" yaml:"shutdownGraceMs,omitempty"`
	Faults          FaultsConfig   `json:"faults,omitempty" yaml:"faults,omitempty"`
	NATS            NATSFileConfig `json:"nats,omitempty" yaml:"nats,omitempty"`
	MetricsAddr     string         `json:"metricsAddr,omitempty" yaml:"metricsAddr,omitempty"`
}

// FaultsConfig contains failure injector settings.
type FaultsConfig struct {
	Mode       string `json:"mode,omitempty" yaml:"mode,omitempty"`
	MinDelayMs int64  `json:"minDelayMs,omitempty" yaml:"minDelayMs,omitempty"`
	MaxDelayMs int64  `json:"maxDelayMs,omitempty" yaml:"maxDelayMs,omitempty"`
	Disabled   bool   `json:"disabled,omitempty" yaml:"disabled,omitempty"`
	Seed       uint64 `json:"seed,omitempty" yaml:"seed,omitempty"`
}

// NATSFileConfig contains the NATS endpoint settings. With no servers the
// set runs on in-process endpoints.
type NATSFileConfig struct {
	Servers     []string `json:"servers,omitempty" yaml:"servers,omitempty"`
	Credentials string   `json:"credentials,omitempty" yaml:"credentials,omitempty"`
	CertFile    string   `json:"certFile,omitempty" yaml:"certFile,omitempty"`
	KeyFile     string   `json:"keyFile,omitempty" yaml:"keyFile,omitempty"`
	CAFile      string   `json:"caFile,omitempty" yaml:"caFile,omitempty"`
}

// IsConfigured returns true if NATS servers are configured.
func (n NATSFileConfig) IsConfigured() bool {
	return len(n.Servers) > 0
}

// CredentialProvider returns the credentials described by the file.
func (n NATSFileConfig) CredentialProvider() endpoint.Credentials {
	switch {
	case n.Credentials != "":
		return endpoint.CredsFile(n.Credentials)
	case n.CertFile != "":
		return endpoint.TLSFiles{CertFile: n.CertFile, KeyFile: n.KeyFile, CAFile: n.CAFile}
	default:
		return endpoint.NoCredentials{}
	}
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

// LoadConfigFromFile loads configuration from a JSON file, or YAML when the
// extension is .yaml or .yml.
func LoadConfigFromFile(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg FileConfig
	if isYAML(path) {
		err = yaml.Unmarshal(data, &cfg)
	} else {
		err = json.Unmarshal(data, &cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return &cfg, nil
}

// WriteConfigToFile writes the configuration, choosing the format by extension.
func WriteConfigToFile(cfg *FileConfig, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	var (
		data []byte
		err  error
	)
	if isYAML(path) {
		data, err = yaml.Marshal(cfg)
	} else {
		data, err = json.MarshalIndent(cfg, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Validate validates the file configuration.
func (c *FileConfig) Validate() error {
	if c.Size < 1 {
		return fmt.Errorf("size must be at least 1")
	}
	if _, err := ParseFaultMode(c.Faults.Mode); err != nil {
		return fmt.Errorf("faults.mode: %w", err)
	}
	if c.Faults.MinDelayMs < 0 || c.Faults.MaxDelayMs < 0 {
		return fmt.Errorf("faults delays must not be negative")
	}
	if c.NATS.CertFile != "" && c.NATS.KeyFile == "" {
		return fmt.Errorf("nats.keyFile is required when nats.certFile is set")
	}
	return nil
}

// ToConfig converts the file configuration into a Config.
func (c *FileConfig) ToConfig(logger *slog.Logger) (Config, error) {
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	mode, _ := ParseFaultMode(c.Faults.Mode)

	return Config{
		SetID:           c.SetID,
		Size:            c.Size,
		ServerIDs:       c.ServerIDs,
		SamplerInterval: time.Duration(c.SamplerMs) * time.Millisecond,
		FaultDelayMin:   time.Duration(c.Faults.MinDelayMs) * time.Millisecond,
		FaultDelayMax:   time.Duration(c.Faults.MaxDelayMs) * time.Millisecond,
		FaultMode:       mode,
		DisableFaults:   c.Faults.Disabled,
		ShutdownGrace:   time.Duration(c.ShutdownGraceMs) * time.Millisecond,
		Seed:            c.Faults.Seed,
		MetricsAddr:     c.MetricsAddr,
		Logger:          logger,
	}, nil
}

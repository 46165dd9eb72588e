package config

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/user/csis-coordinator/csip"
	"github.com/user/csis-coordinator/wire/att"
)

const (
	DefaultLockTimeout = 60 * time.Second
	DefaultATTTimeout  = att.DefaultTransactionTimeout

	// DefaultSIRK is the sample SIRK from the CSIS specification
	DefaultSIRK = "457d7d0921a1fd22cecd8c86dd72cccd"
)

type Member struct {
	Name string `yaml:"name"`
	Rank uint8  `yaml:"rank"`
	// LockError, when set, is the ATT error code this member answers
	// every lock request with.
	LockError uint8 `yaml:"lockError,omitempty"`
}

type Set struct {
	// SIRK is 16 bytes of hex in over-the-air order
	SIRK        string        `yaml:"sirk"`
	Encrypted   bool          `yaml:"encrypted,omitempty"`
	LockTimeout time.Duration `yaml:"lockTimeout,omitempty"`
	Members     []Member      `yaml:"members"`
}

type Client struct {
	MaxInstances   int   `yaml:"maxInstances,omitempty"`
	EncryptedSIRK  *bool `yaml:"encryptedSirk,omitempty"`
	TestSampleData bool  `yaml:"testSampleData,omitempty"`
}

type Transport struct {
	ATTTimeout time.Duration `yaml:"attTimeout,omitempty"`
	// Capture is a file every ATT PDU is appended to; empty disables capture
	Capture string `yaml:"capture,omitempty"`
}

type Config struct {
	LogLevel  string    `yaml:"logLevel,omitempty"`
	Client    Client    `yaml:"client,omitempty"`
	Transport Transport `yaml:"transport,omitempty"`
	Set       Set       `yaml:"set"`
}

// Default is a two member set using the sample SIRK
func Default() *Config {
	return &Config{
		LogLevel: "info",
		Set: Set{
			SIRK: DefaultSIRK,
			Members: []Member{
				{Name: "left", Rank: 1},
				{Name: "right", Rank: 2},
			},
		},
	}
}

// Load reads the YAML file at path on top of Default. A missing or empty
// file yields the defaults; unknown fields are rejected.
func Load(path string) (*Config, error) {
	cfg := Default()

	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return cfg, nil
	}

	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the set definition
func (c *Config) Validate() error {
	if _, err := c.Set.Key(); err != nil {
		return err
	}
	if c.Client.MaxInstances < 0 {
		return fmt.Errorf("client.maxInstances must not be negative")
	}
	if c.Set.LockTimeout < 0 || c.Transport.ATTTimeout < 0 {
		return fmt.Errorf("timeouts must not be negative")
	}
	if len(c.Set.Members) == 0 {
		return fmt.Errorf("set has no members")
	}

	names := make(map[string]bool, len(c.Set.Members))
	ranks := make(map[uint8]string, len(c.Set.Members))
	for i, m := range c.Set.Members {
		if m.Name == "" {
			return fmt.Errorf("member %d has no name", i)
		}
		if names[m.Name] {
			return fmt.Errorf("duplicate member name %q", m.Name)
		}
		names[m.Name] = true

		if m.Rank == 0 {
			return fmt.Errorf("member %q: rank must be at least 1", m.Name)
		}
		if other, ok := ranks[m.Rank]; ok {
			return fmt.Errorf("members %q and %q share rank %d", other, m.Name, m.Rank)
		}
		ranks[m.Rank] = m.Name
	}
	return nil
}

// Key decodes the configured SIRK
func (s Set) Key() ([csip.SIRKSize]byte, error) {
	var key [csip.SIRKSize]byte
	b, err := hex.DecodeString(s.SIRK)
	if err != nil {
		return key, fmt.Errorf("set.sirk: %w", err)
	}
	if len(b) != csip.SIRKSize {
		return key, fmt.Errorf("set.sirk: %d bytes, want %d", len(b), csip.SIRKSize)
	}
	copy(key[:], b)
	return key, nil
}

func durationOrDefault(d, fallback time.Duration) time.Duration {
	if d == 0 {
		return fallback
	}
	return d
}

func (s Set) LockTimeoutOrDefault() time.Duration {
	return durationOrDefault(s.LockTimeout, DefaultLockTimeout)
}

func (t Transport) ATTTimeoutOrDefault() time.Duration {
	return durationOrDefault(t.ATTTimeout, DefaultATTTimeout)
}

// ClientConfig returns the coordinator configuration
func (c *Config) ClientConfig() csip.Config {
	cfg := csip.DefaultConfig()
	if c.Client.MaxInstances > 0 {
		cfg.MaxInstances = c.Client.MaxInstances
	}
	if c.Client.EncryptedSIRK != nil {
		cfg.EncryptedSIRK = *c.Client.EncryptedSIRK
	}
	cfg.TestSampleData = c.Client.TestSampleData
	return cfg
}

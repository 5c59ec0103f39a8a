package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"

	"simple-stm/pkg/logger"
	"simple-stm/pkg/orec"
)

// skip list directory of the string engine
const (
	SkipListMaxLevel = 16
	SkipListProp     = 0.25
)

// Duration is a time.Duration that reads "150ms" style strings from TOML.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return errors.Wrapf(err, "invalid duration %q", string(text))
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// IsolationLevel decides whether plain reads are validated at commit.
type IsolationLevel int

const (
	// Snapshot reads are consistent when made; write skew is tolerated.
	Snapshot IsolationLevel = iota
	// Serializable additionally validates every tracked read at commit.
	Serializable
)

func (l IsolationLevel) String() string {
	switch l {
	case Snapshot:
		return "snapshot"
	case Serializable:
		return "serializable"
	default:
		return fmt.Sprintf("IsolationLevel(%d)", int(l))
	}
}

func (l IsolationLevel) WriteSkewAllowed() bool {
	return l == Snapshot
}

func (l IsolationLevel) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

func (l *IsolationLevel) UnmarshalText(text []byte) error {
	switch strings.ToLower(string(text)) {
	case "snapshot", "":
		*l = Snapshot
	case "serializable":
		*l = Serializable
	default:
		return errors.Errorf("unknown isolation level %q", string(text))
	}
	return nil
}

// Propagation decides what an atomic block does when the context already carries
// a transaction.
type Propagation int

const (
	// Requires joins the surrounding transaction or starts one.
	Requires Propagation = iota
	// RequiresNew always starts an independent transaction.
	RequiresNew
	// Mandatory fails without a surrounding transaction.
	Mandatory
	// Never fails inside a transaction and runs the block without one.
	Never
)

func (p Propagation) String() string {
	switch p {
	case Requires:
		return "requires"
	case RequiresNew:
		return "requires-new"
	case Mandatory:
		return "mandatory"
	case Never:
		return "never"
	default:
		return fmt.Sprintf("Propagation(%d)", int(p))
	}
}

func (p Propagation) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *Propagation) UnmarshalText(text []byte) error {
	switch strings.ToLower(string(text)) {
	case "requires", "":
		*p = Requires
	case "requires-new", "requires_new":
		*p = RequiresNew
	case "mandatory":
		*p = Mandatory
	case "never":
		*p = Never
	default:
		return errors.Errorf("unknown propagation %q", string(text))
	}
	return nil
}

type Config struct {
	LogLevel    string `toml:"log-level"`
	Host        string `toml:"host"`
	Port        string `toml:"port"`
	MetricsAddr string `toml:"metrics-addr"`
	FamilyName  string `toml:"family-name"`

	IsolationLevel IsolationLevel `toml:"isolation-level"`
	Propagation    Propagation    `toml:"propagation"`
	ReadLockMode   orec.LockMode  `toml:"read-lock-mode"`
	WriteLockMode  orec.LockMode  `toml:"write-lock-mode"`

	ReadTrackingEnabled bool `toml:"read-tracking"`
	// Writes that leave the value unchanged are committed as reads.
	DirtyCheckEnabled bool `toml:"dirty-check"`
	ReadOnly          bool `toml:"read-only"`
	BlockingAllowed   bool `toml:"blocking-allowed"`

	MaxRetries int `toml:"max-retries"`
	// Busy retries on a contended orec before a conflict is reported.
	SpinCount int `toml:"spin-count"`
	// Bound on the time a transaction spends blocked in retry. Zero waits forever.
	Timeout Duration `toml:"timeout"`

	SpeculativeConfigEnabled bool `toml:"speculative"`
	MaxFixedLengthTxnSize    int  `toml:"max-fixed-length"`
	ReadBiasedThreshold      int  `toml:"read-biased-threshold"`

	BackoffMin Duration `toml:"backoff-min"`
	BackoffMax Duration `toml:"backoff-max"`
}

func getLogLevel() (logLevel string) {
	logLevel = "info"
	if l := os.Getenv("LOG_LEVEL"); len(l) != 0 {
		logLevel = l
	}
	return
}

func NewDefaultConfig() *Config {
	return &Config{
		LogLevel:    getLogLevel(),
		Host:        "localhost",
		Port:        "8081",
		MetricsAddr: "",
		FamilyName:  "simple_stm",

		IsolationLevel: Snapshot,
		Propagation:    Requires,
		ReadLockMode:   orec.LockNone,
		WriteLockMode:  orec.LockNone,

		ReadTrackingEnabled: true,
		DirtyCheckEnabled:   true,
		BlockingAllowed:     true,

		MaxRetries: 1000,
		SpinCount:  64,

		SpeculativeConfigEnabled: true,
		MaxFixedLengthTxnSize:    20,
		ReadBiasedThreshold:      128,

		BackoffMin: Duration{time.Microsecond},
		BackoffMax: Duration{10 * time.Millisecond},
	}
}

func NewTestConfig() *Config {
	cfg := NewDefaultConfig()
	cfg.MaxRetries = 100
	cfg.SpinCount = 16
	cfg.MaxFixedLengthTxnSize = 4
	cfg.ReadBiasedThreshold = 8
	cfg.Timeout = Duration{5 * time.Second}
	cfg.BackoffMax = Duration{time.Millisecond}
	return cfg
}

// LoadFile overlays the TOML file at path on the defaults.
func LoadFile(path string) (*Config, error) {
	cfg := NewDefaultConfig()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, errors.Wrapf(err, "load config %s", path)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.MaxRetries < 0 {
		return errors.Errorf("max retries must not be negative, got %d", c.MaxRetries)
	}
	if c.SpinCount < 0 {
		return errors.Errorf("spin count must not be negative, got %d", c.SpinCount)
	}
	if c.Timeout.Duration < 0 {
		return errors.Errorf("timeout must not be negative, got %s", c.Timeout)
	}
	if c.MaxFixedLengthTxnSize < 1 {
		return errors.Errorf("max fixed length must be at least 1, got %d", c.MaxFixedLengthTxnSize)
	}
	if c.ReadBiasedThreshold < 0 || c.ReadBiasedThreshold > orec.MaxReadonlyCount {
		return errors.Errorf("read biased threshold must be in [0, %d], got %d", orec.MaxReadonlyCount, c.ReadBiasedThreshold)
	}
	if c.WriteLockMode < c.ReadLockMode {
		return errors.Errorf("write lock mode %s is weaker than read lock mode %s", c.WriteLockMode, c.ReadLockMode)
	}
	if c.IsolationLevel == Serializable && !c.ReadTrackingEnabled {
		return errors.New("serializable isolation needs read tracking")
	}
	if c.BackoffMin.Duration > c.BackoffMax.Duration {
		return errors.Errorf("backoff min %s exceeds backoff max %s", c.BackoffMin, c.BackoffMax)
	}

	if c.ReadOnly && c.WriteLockMode != orec.LockNone {
		logger.Inst.Warnf("write lock mode %s has no effect on read only transactions", c.WriteLockMode)
	}
	if c.SpinCount == 0 {
		logger.Inst.Warnf("spin count is 0, every contended orec is reported as a conflict")
	}
	if !c.SpeculativeConfigEnabled {
		logger.Inst.Warnf("speculative configuration is disabled, every transaction uses the growable implementation")
	}
	return nil
}

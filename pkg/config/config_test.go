package config

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"simple-stm/pkg/orec"
)

func TestDefaultConfigIsValid(t *testing.T) {
	require.NoError(t, NewDefaultConfig().Validate())
	require.NoError(t, NewTestConfig().Validate())
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"negative retries", func(c *Config) { c.MaxRetries = -1 }},
		{"negative spin", func(c *Config) { c.SpinCount = -1 }},
		{"negative timeout", func(c *Config) { c.Timeout = Duration{-time.Second} }},
		{"no fixed length", func(c *Config) { c.MaxFixedLengthTxnSize = 0 }},
		{"threshold too large", func(c *Config) { c.ReadBiasedThreshold = orec.MaxReadonlyCount + 1 }},
		{"weak write lock", func(c *Config) { c.ReadLockMode = orec.LockCommit }},
		{"serializable untracked", func(c *Config) {
			c.IsolationLevel = Serializable
			c.ReadTrackingEnabled = false
		}},
		{"backoff bounds", func(c *Config) { c.BackoffMin = Duration{time.Second} }},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			c.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stm.toml")
	content := `
port = "9090"
isolation-level = "serializable"
propagation = "requires-new"
write-lock-mode = "commit"
max-retries = 7
timeout = "250ms"
speculative = false
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, "localhost", cfg.Host, "defaults stay in place")
	assert.Equal(t, Serializable, cfg.IsolationLevel)
	assert.Equal(t, RequiresNew, cfg.Propagation)
	assert.Equal(t, orec.LockCommit, cfg.WriteLockMode)
	assert.Equal(t, orec.LockNone, cfg.ReadLockMode)
	assert.Equal(t, 7, cfg.MaxRetries)
	assert.Equal(t, 250*time.Millisecond, cfg.Timeout.Duration)
	assert.False(t, cfg.SpeculativeConfigEnabled)
}

func TestLoadFileRejectsBadValues(t *testing.T) {
	dir := t.TempDir()

	bad := filepath.Join(dir, "bad.toml")
	require.NoError(t, os.WriteFile(bad, []byte(`isolation-level = "chaos"`), 0o644))
	_, err := LoadFile(bad)
	assert.Error(t, err)

	invalid := filepath.Join(dir, "invalid.toml")
	require.NoError(t, os.WriteFile(invalid, []byte(`max-retries = -3`), 0o644))
	_, err = LoadFile(invalid)
	assert.Error(t, err)

	_, err = LoadFile(filepath.Join(dir, "missing.toml"))
	assert.Error(t, err)
}

func TestSpeculativeCellIsMonotonic(t *testing.T) {
	c := NewSpeculativeCell()
	assert.False(t, c.Get().IsFat())
	assert.Equal(t, 1, c.Get().MinimalLength)

	c.SignalSizeRequired(5)
	c.SignalSizeRequired(3)
	assert.Equal(t, 5, c.Get().MinimalLength)

	c.SignalCommuteRequired()
	s := c.Get()
	assert.True(t, s.CommuteRequired)
	assert.True(t, s.IsFat())
	assert.False(t, s.OrElseRequired)

	c.SignalOrElseRequired()
	c.SignalListenersRequired()
	c.SignalLocksRequired()
	c.SignalConstructedObjectsRequired()
	s = c.Get()
	assert.True(t, s.OrElseRequired && s.ListenersRequired && s.LocksRequired && s.ConstructedObjectsRequired)
	assert.Equal(t, 5, s.MinimalLength)
}

func TestSpeculativeCellConcurrentSignals(t *testing.T) {
	c := NewSpeculativeCell()
	var wg sync.WaitGroup
	for i := 1; i <= 64; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			c.SignalSizeRequired(n)
			if n%2 == 0 {
				c.SignalCommuteRequired()
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 64, c.Get().MinimalLength)
	assert.True(t, c.Get().CommuteRequired)
}

func TestExponentialBackoff(t *testing.T) {
	b := &ExponentialBackoff{Min: time.Millisecond, Max: 8 * time.Millisecond}
	assert.Equal(t, time.Duration(0), b.Delay(0))
	assert.Equal(t, time.Millisecond, b.Delay(1))
	for attempt := 2; attempt < 10; attempt++ {
		d := b.Delay(attempt)
		assert.GreaterOrEqual(t, d, b.Min)
		assert.LessOrEqual(t, d, b.Max)
	}

	none := &ExponentialBackoff{}
	assert.Equal(t, time.Duration(0), none.Delay(3))
}

func TestEnumText(t *testing.T) {
	var p Propagation
	require.NoError(t, p.UnmarshalText([]byte("Mandatory")))
	assert.Equal(t, Mandatory, p)
	assert.Error(t, p.UnmarshalText([]byte("sometimes")))
	assert.Equal(t, "never", Never.String())

	assert.True(t, Snapshot.WriteSkewAllowed())
	assert.False(t, Serializable.WriteSkewAllowed())
}

package txns

import (
	"time"

	"go.uber.org/atomic"

	"simple-stm/pkg/config"
	"simple-stm/pkg/conflict"
	"simple-stm/pkg/orec"
)

// Env is what every object and transaction of one STM instance shares.
type Env struct {
	Counter             *conflict.GlobalCounter
	SpinCount           int
	ReadBiasedThreshold int

	objectIDs atomic.Uint64
}

func NewEnv(cfg *config.Config) *Env {
	return &Env{
		Counter:             conflict.NewGlobalCounter(),
		SpinCount:           cfg.SpinCount,
		ReadBiasedThreshold: cfg.ReadBiasedThreshold,
	}
}

// NextObjectID hands out the identity used to find an object among the attached ones.
func (e *Env) NextObjectID() uint64 {
	return e.objectIDs.Inc()
}

// TxnConfig is the runtime bundle transactions are created from. Apart from the
// speculative cell it does not change once built.
type TxnConfig struct {
	config.Config

	Env                *Env
	Speculative        *config.SpeculativeCell
	PermanentListeners []Listener
	Backoff            config.Backoff
}

func NewTxnConfig(env *Env, cfg *config.Config, permanent ...Listener) *TxnConfig {
	return &TxnConfig{
		Config:             *cfg,
		Env:                env,
		Speculative:        config.NewSpeculativeCell(),
		PermanentListeners: permanent,
		Backoff:            config.NewBackoff(cfg),
	}
}

// initialTimeout converts the configured timeout to the latch convention, where a
// negative duration waits forever.
func (c *TxnConfig) initialTimeout() time.Duration {
	if c.Timeout.Duration <= 0 {
		return -1
	}
	return c.Timeout.Duration
}

func maxLockMode(a, b orec.LockMode) orec.LockMode {
	if a > b {
		return a
	}
	return b
}

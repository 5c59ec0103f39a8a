package config

import "go.uber.org/atomic"

// SpeculativeConfig records what transactions created from one configuration have
// turned out to need. It only ever grows.
type SpeculativeConfig struct {
	CommuteRequired            bool
	OrElseRequired             bool
	ListenersRequired          bool
	LocksRequired              bool
	ConstructedObjectsRequired bool
	MinimalLength              int
}

// IsFat reports whether a lean transaction can no longer serve the configuration.
func (s SpeculativeConfig) IsFat() bool {
	return s.CommuteRequired || s.OrElseRequired || s.ListenersRequired ||
		s.LocksRequired || s.ConstructedObjectsRequired
}

// SpeculativeCell is the shared, CAS updated holder of a SpeculativeConfig.
type SpeculativeCell struct {
	p atomic.Pointer[SpeculativeConfig]
}

func NewSpeculativeCell() *SpeculativeCell {
	c := &SpeculativeCell{}
	c.p.Store(&SpeculativeConfig{MinimalLength: 1})
	return c
}

func (c *SpeculativeCell) Get() SpeculativeConfig {
	return *c.p.Load()
}

// update applies fn to a copy of the current config until the swap succeeds.
// fn returns false when the current config already satisfies the signal.
func (c *SpeculativeCell) update(fn func(s *SpeculativeConfig) bool) {
	for {
		cur := c.p.Load()
		next := *cur
		if !fn(&next) {
			return
		}
		if c.p.CompareAndSwap(cur, &next) {
			return
		}
	}
}

func (c *SpeculativeCell) SignalCommuteRequired() {
	c.update(func(s *SpeculativeConfig) bool {
		if s.CommuteRequired {
			return false
		}
		s.CommuteRequired = true
		return true
	})
}

func (c *SpeculativeCell) SignalOrElseRequired() {
	c.update(func(s *SpeculativeConfig) bool {
		if s.OrElseRequired {
			return false
		}
		s.OrElseRequired = true
		return true
	})
}

func (c *SpeculativeCell) SignalListenersRequired() {
	c.update(func(s *SpeculativeConfig) bool {
		if s.ListenersRequired {
			return false
		}
		s.ListenersRequired = true
		return true
	})
}

func (c *SpeculativeCell) SignalLocksRequired() {
	c.update(func(s *SpeculativeConfig) bool {
		if s.LocksRequired {
			return false
		}
		s.LocksRequired = true
		return true
	})
}

func (c *SpeculativeCell) SignalConstructedObjectsRequired() {
	c.update(func(s *SpeculativeConfig) bool {
		if s.ConstructedObjectsRequired {
			return false
		}
		s.ConstructedObjectsRequired = true
		return true
	})
}

// SignalSizeRequired records that a transaction needed room for length objects.
func (c *SpeculativeCell) SignalSizeRequired(length int) {
	c.update(func(s *SpeculativeConfig) bool {
		if s.MinimalLength >= length {
			return false
		}
		s.MinimalLength = length
		return true
	})
}

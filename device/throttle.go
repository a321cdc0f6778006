package device

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// ThrottleConfig limits outbound requests for one scope.
type ThrottleConfig struct {
	// ScopeID is the scope this config applies to. Empty for the default.
	ScopeID string

	// RateLimit is the sustained requests per second. Zero disables rate
	// limiting.
	RateLimit float64

	// RateBurst is the token-bucket burst. Defaults to 1 when RateLimit is
	// set.
	RateBurst int

	// MaxInFlight caps concurrent sends. Zero means unlimited.
	MaxInFlight int
}

type scopeState struct {
	limiter  *rate.Limiter
	inFlight chan struct{}
}

func newScopeState(cfg ThrottleConfig) *scopeState {
	st := &scopeState{}
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		st.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	if cfg.MaxInFlight > 0 {
		st.inFlight = make(chan struct{}, cfg.MaxInFlight)
	}
	return st
}

// Throttle applies per-scope rate and concurrency limits to device sends.
// Each scope gets its own limiter built from the default config unless an
// override was set. It is safe for concurrent use.
type Throttle struct {
	mu        sync.Mutex
	defaults  ThrottleConfig
	overrides map[string]ThrottleConfig
	scopes    map[string]*scopeState
}

// NewThrottle creates a Throttle with default limits and per-scope
// overrides.
func NewThrottle(defaults ThrottleConfig, overrides ...ThrottleConfig) *Throttle {
	t := &Throttle{
		defaults:  defaults,
		overrides: make(map[string]ThrottleConfig, len(overrides)),
		scopes:    make(map[string]*scopeState),
	}
	for _, o := range overrides {
		t.overrides[o.ScopeID] = o
	}
	return t
}

// SetScopeConfig replaces the limits for one scope.
func (t *Throttle) SetScopeConfig(cfg ThrottleConfig) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.overrides[cfg.ScopeID] = cfg
	t.scopes[cfg.ScopeID] = newScopeState(cfg)
}

func (t *Throttle) state(scopeID string) *scopeState {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.scopes[scopeID]
	if !ok {
		cfg, ok := t.overrides[scopeID]
		if !ok {
			cfg = t.defaults
		}
		st = newScopeState(cfg)
		t.scopes[scopeID] = st
	}
	return st
}

// Wait blocks until a request for scopeID may be sent, or ctx is done. On
// success the returned release func must be called once the send returns.
func (t *Throttle) Wait(ctx context.Context, scopeID string) (release func(), err error) {
	st := t.state(scopeID)

	if st.inFlight != nil {
		select {
		case st.inFlight <- struct{}{}:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	release = func() {
		if st.inFlight != nil {
			<-st.inFlight
		}
	}

	if st.limiter != nil {
		if err := st.limiter.Wait(ctx); err != nil {
			release()
			return nil, err
		}
	}
	return release, nil
}

// InFlight returns the number of sends currently holding a slot for scopeID.
func (t *Throttle) InFlight(scopeID string) int {
	st := t.state(scopeID)
	if st.inFlight == nil {
		return 0
	}
	return len(st.inFlight)
}

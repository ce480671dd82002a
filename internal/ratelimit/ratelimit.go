// Package ratelimit implements the per-provider sliding-window limiter
// described in spec §4.6. It is fail-open: any internal error while
// evaluating a check yields an "allowed" decision so the limiter can
// never become the sidecar's single point of failure (spec §9 "Fail-open
// rationale"). The ring-buffer/mutex shape follows the teacher's own
// mutex-guarded store idiom (pkg/proxy/stats.go, pkg/config/config.go),
// generalized to the fixed-size ring model the spec requires; the
// teacher itself has no sliding-window limiter to borrow directly.
package ratelimit

import (
	"sync"
	"time"
)

// LimitType names which window rejected a request.
type LimitType string

const (
	LimitRPM      LimitType = "rpm"
	LimitRPH      LimitType = "rph"
	LimitBytesPM  LimitType = "bytes_pm"
	LimitTokensPM LimitType = "tokens_pm"
)

// window is a fixed-size ring buffer of per-slot counters (spec §3
// SlidingWindow). slotUnit is the duration of one slot; slotCount is the
// number of slots (N).
type window struct {
	slots     []int64
	total     int64
	lastSlot  int
	lastTime  int64 // time-units since epoch, using slotUnit granularity
	slotUnit  time.Duration
	slotCount int
	started   bool
}

func newWindow(slotUnit time.Duration, slotCount int) *window {
	return &window{
		slots:     make([]int64, slotCount),
		lastSlot:  -1,
		slotUnit:  slotUnit,
		slotCount: slotCount,
	}
}

func (w *window) timeUnits(now time.Time) int64 {
	return now.UnixNano() / int64(w.slotUnit)
}

// advance moves the window's time origin forward to now, zeroing slots
// that have aged out. Spec §4.6: if elapsed >= slotCount, clear
// everything and reset total to avoid drift; otherwise zero exactly the
// elapsed slots starting after lastSlot.
func (w *window) advance(now time.Time) {
	nowUnits := w.timeUnits(now)
	if !w.started {
		w.lastTime = nowUnits
		w.started = true
		return
	}
	elapsed := nowUnits - w.lastTime
	if elapsed <= 0 {
		return
	}
	if elapsed >= int64(w.slotCount) {
		for i := range w.slots {
			w.slots[i] = 0
		}
		w.total = 0
		w.lastTime = nowUnits
		w.lastSlot = mod(int(nowUnits), w.slotCount)
		return
	}
	for i := int64(1); i <= elapsed; i++ {
		idx := mod(w.lastSlot+int(i), w.slotCount)
		w.total -= w.slots[idx]
		w.slots[idx] = 0
	}
	w.lastTime = nowUnits
	w.lastSlot = mod(int(nowUnits), w.slotCount)
}

func mod(a, n int) int {
	m := a % n
	if m < 0 {
		m += n
	}
	return m
}

// record adds value into the current slot after advancing.
func (w *window) record(now time.Time, value int64) {
	w.advance(now)
	nowUnits := w.timeUnits(now)
	idx := mod(int(nowUnits), w.slotCount)
	w.slots[idx] += value
	w.total += value
	w.lastSlot = idx
	w.lastTime = nowUnits
}

// count returns the running total after advancing.
func (w *window) count(now time.Time) int64 {
	w.advance(now)
	return w.total
}

// estimateRetryAfter scans slots oldest to newest — the oldest slot is
// the one that expires first as time advances — accumulating their
// counts out of the running total, and returns the age (in slotUnits,
// floor 1) of the first slot whose expiry would drop the total strictly
// below limit.
func (w *window) estimateRetryAfter(now time.Time, limit int64) int64 {
	w.advance(now)
	if w.lastSlot < 0 {
		return 1
	}
	running := w.total
	for age := 0; age < w.slotCount; age++ {
		idx := mod(w.lastSlot+1+age, w.slotCount)
		running -= w.slots[idx]
		if running < limit {
			return int64(age + 1)
		}
	}
	return int64(w.slotCount)
}

// ProviderState holds the independent windows for one provider: RPM (60
// slots of 1s), RPH (60 slots of 1min), bytes/min (60 slots of 1s), and
// an optional tokens/min window (60 slots of 1s).
type ProviderState struct {
	mu        sync.Mutex
	rpm       *window
	rph       *window
	bytesPM   *window
	tokensPM  *window
}

func newProviderState() *ProviderState {
	return &ProviderState{
		rpm:     newWindow(time.Second, 60),
		rph:     newWindow(time.Minute, 60),
		bytesPM: newWindow(time.Second, 60),
	}
}

// Config holds the per-provider numeric limits (spec §6 env vars) and
// whether the limiter is enabled at all.
type Config struct {
	Enabled       bool
	RPM           int64
	RPH           int64
	BytesPerMin   int64
	TokensPerMin  int64 // 0 disables the optional tokens/min window
}

// Decision is the outcome of Check.
type Decision struct {
	Allowed    bool
	LimitType  LimitType
	Limit      int64
	Remaining  int64
	RetryAfter int64 // seconds
}

// Limiter holds per-provider state, created lazily on first observation
// (spec §3).
type Limiter struct {
	cfg Config
	now func() time.Time

	mu    sync.Mutex
	state map[string]*ProviderState
}

// New builds a Limiter with the given configuration, shared across all
// providers (per-provider limits use the same numeric ceilings; the
// ring buffers themselves are independent per provider).
func New(cfg Config) *Limiter {
	return &Limiter{cfg: cfg, now: time.Now, state: make(map[string]*ProviderState)}
}

// SetClock overrides the limiter's time source, for tests that need to
// simulate slot rollover without sleeping.
func (l *Limiter) SetClock(now func() time.Time) {
	l.now = now
}

func (l *Limiter) clock() time.Time {
	if l.now != nil {
		return l.now()
	}
	return time.Now()
}

func (l *Limiter) providerState(provider string) *ProviderState {
	l.mu.Lock()
	defer l.mu.Unlock()
	st, ok := l.state[provider]
	if !ok {
		st = newProviderState()
		if l.cfg.TokensPerMin > 0 {
			st.tokensPM = newWindow(time.Second, 60)
		}
		l.state[provider] = st
	}
	return st
}

// Check evaluates and, if allowed, records one request of requestBytes
// bytes against provider's windows. It never panics into the caller:
// any internal error is converted into an allow decision (fail-open).
func (l *Limiter) Check(provider string, requestBytes int64) (decision Decision) {
	defer func() {
		if r := recover(); r != nil {
			decision = Decision{Allowed: true}
		}
	}()

	if !l.cfg.Enabled {
		return Decision{Allowed: true}
	}

	st := l.providerState(provider)
	st.mu.Lock()
	defer st.mu.Unlock()

	now := l.clock()

	rpmCount := st.rpm.count(now)
	if rpmCount >= l.cfg.RPM {
		return Decision{
			Allowed:    false,
			LimitType:  LimitRPM,
			Limit:      l.cfg.RPM,
			Remaining:  0,
			RetryAfter: st.rpm.estimateRetryAfter(now, l.cfg.RPM),
		}
	}

	rphCount := st.rph.count(now)
	if rphCount >= l.cfg.RPH {
		retrySeconds := st.rph.estimateRetryAfter(now, l.cfg.RPH) * 60
		return Decision{
			Allowed:    false,
			LimitType:  LimitRPH,
			Limit:      l.cfg.RPH,
			Remaining:  0,
			RetryAfter: retrySeconds,
		}
	}

	bytesCount := st.bytesPM.count(now)
	if bytesCount+requestBytes > l.cfg.BytesPerMin {
		return Decision{
			Allowed:    false,
			LimitType:  LimitBytesPM,
			Limit:      l.cfg.BytesPerMin,
			Remaining:  0,
			RetryAfter: st.bytesPM.estimateRetryAfter(now, l.cfg.BytesPerMin),
		}
	}

	st.rpm.record(now, 1)
	st.rph.record(now, 1)
	if requestBytes > 0 {
		st.bytesPM.record(now, requestBytes)
	}

	return Decision{
		Allowed:   true,
		LimitType: "",
		Limit:     l.cfg.RPM,
		Remaining: l.cfg.RPM - rpmCount - 1,
	}
}

// WindowStatus is a non-mutating snapshot of one window's current
// standing, used by the management /health endpoint (spec §6).
type WindowStatus struct {
	Limit     int64 `json:"limit"`
	Remaining int64 `json:"remaining"`
	Reset     int64 `json:"reset"`
}

// Status is the per-provider rate-limit snapshot spec §6's /health shape
// requires: {enabled, rpm:{...}, rph:{...}}.
type Status struct {
	Enabled bool         `json:"enabled"`
	RPM     WindowStatus `json:"rpm"`
	RPH     WindowStatus `json:"rph"`
}

// Status reports provider's current window standing without recording
// an observation. Advancing a window to "now" as a side effect of
// reading it is not an observation in the RPM/RPH sense, so this is
// safe to call from a read-only health check.
func (l *Limiter) Status(provider string) Status {
	if !l.cfg.Enabled {
		return Status{Enabled: false}
	}
	st := l.providerState(provider)
	st.mu.Lock()
	defer st.mu.Unlock()

	now := l.clock()
	rpmCount := st.rpm.count(now)
	rphCount := st.rph.count(now)

	return Status{
		Enabled: true,
		RPM: WindowStatus{
			Limit:     l.cfg.RPM,
			Remaining: max64(l.cfg.RPM-rpmCount, 0),
			Reset:     st.rpm.estimateRetryAfter(now, l.cfg.RPM),
		},
		RPH: WindowStatus{
			Limit:     l.cfg.RPH,
			Remaining: max64(l.cfg.RPH-rphCount, 0),
			Reset:     st.rph.estimateRetryAfter(now, l.cfg.RPH) * 60,
		},
	}
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

// RecordTokens feeds the optional tokens/min window; used by the
// forwarder after the token extractor reports a total (spec §3 optional
// tokens/min window). A no-op if the window wasn't configured.
func (l *Limiter) RecordTokens(provider string, tokens int64) {
	if l.cfg.TokensPerMin <= 0 || tokens <= 0 {
		return
	}
	st := l.providerState(provider)
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.tokensPM == nil {
		return
	}
	st.tokensPM.record(l.clock(), tokens)
}

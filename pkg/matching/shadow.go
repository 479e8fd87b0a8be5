package matching

import (
	"sync"
	"time"

	"github.com/swapforge/core/pkg/model"
)

// ShadowDiff is the structural comparison between a primary and a shadow
// matcher run over the same input.
type ShadowDiff struct {
	RunAt         time.Time `json:"run_at"`
	Overlap       []string  `json:"overlap"`
	OnlyPrimary   []string  `json:"only_primary"`
	OnlySecondary []string  `json:"only_secondary"`
	ShadowError   *ErrInfo  `json:"shadow_error,omitempty"`
}

// ErrInfo is a shadow failure recorded without disturbing the primary result.
type ErrInfo struct {
	Code    string `json:"code"`
	Name    string `json:"name"`
	Message string `json:"message"`
}

// ShadowRunner runs a primary and a secondary Engine over the same inputs
// and records the structural diff between their proposal sets in a bounded
// ring buffer, for parity burn-in before promoting a new scoring strategy.
type ShadowRunner struct {
	mu        sync.Mutex
	primary   *Engine
	secondary *Engine
	clock     func() time.Time
	buf       []ShadowDiff
	cap       int
	next      int
	full      bool
}

// NewShadowRunner builds a runner backed by a ring buffer of size bufSize.
func NewShadowRunner(primary, secondary *Engine, bufSize int) *ShadowRunner {
	if bufSize < 1 {
		bufSize = 1
	}
	return &ShadowRunner{
		primary:   primary,
		secondary: secondary,
		clock:     time.Now,
		buf:       make([]ShadowDiff, bufSize),
		cap:       bufSize,
	}
}

// WithClock overrides the runner's time source for deterministic tests.
func (r *ShadowRunner) WithClock(clock func() time.Time) *ShadowRunner {
	r.clock = clock
	return r
}

// Run executes the primary engine, then runs the secondary engine inline
// before returning the primary result. The secondary's diff against the
// primary is recorded
// regardless of outcome — a panic or error in the secondary never affects
// the returned primary result.
func (r *ShadowRunner) Run(intents []model.SwapIntent, assetValues map[string]float64) ([]model.CycleProposal, error) {
	primaryResult, err := r.primary.FindCycles(intents, assetValues)
	if err != nil {
		return nil, err
	}
	r.runShadow(intents, assetValues, primaryResult)
	return primaryResult, nil
}

func (r *ShadowRunner) runShadow(intents []model.SwapIntent, assetValues map[string]float64, primaryResult []model.CycleProposal) {
	diff := ShadowDiff{RunAt: r.clock()}
	func() {
		defer func() {
			if rec := recover(); rec != nil {
				diff.ShadowError = &ErrInfo{Code: "panic", Name: "matching.shadow", Message: panicMessage(rec)}
			}
		}()
		secondaryResult, err := r.secondary.FindCycles(intents, assetValues)
		if err != nil {
			diff.ShadowError = &ErrInfo{Code: "error", Name: "matching.shadow", Message: err.Error()}
			return
		}
		diff.Overlap, diff.OnlyPrimary, diff.OnlySecondary = diffCycleKeys(primaryResult, secondaryResult)
	}()
	r.push(diff)
}

func panicMessage(rec interface{}) string {
	if err, ok := rec.(error); ok {
		return err.Error()
	}
	if s, ok := rec.(string); ok {
		return s
	}
	return "shadow matcher panicked"
}

func diffCycleKeys(primary, secondary []model.CycleProposal) (overlap, onlyPrimary, onlySecondary []string) {
	keyOf := func(c model.CycleProposal) string {
		return cycleKeyString(c.CycleKey())
	}
	primarySet := make(map[string]bool, len(primary))
	for _, c := range primary {
		primarySet[keyOf(c)] = true
	}
	secondarySet := make(map[string]bool, len(secondary))
	for _, c := range secondary {
		secondarySet[keyOf(c)] = true
	}
	for k := range primarySet {
		if secondarySet[k] {
			overlap = append(overlap, k)
		} else {
			onlyPrimary = append(onlyPrimary, k)
		}
	}
	for k := range secondarySet {
		if !primarySet[k] {
			onlySecondary = append(onlySecondary, k)
		}
	}
	return
}

func cycleKeyString(key []string) string {
	s := ""
	for i, k := range key {
		if i > 0 {
			s += ">"
		}
		s += k
	}
	return s
}

func (r *ShadowRunner) push(d ShadowDiff) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf[r.next] = d
	r.next = (r.next + 1) % r.cap
	if r.next == 0 {
		r.full = true
	}
}

// Records returns the retained shadow diffs, oldest first.
func (r *ShadowRunner) Records() []ShadowDiff {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.full {
		out := make([]ShadowDiff, r.next)
		copy(out, r.buf[:r.next])
		return out
	}
	out := make([]ShadowDiff, r.cap)
	copy(out, r.buf[r.next:])
	copy(out[r.cap-r.next:], r.buf[:r.next])
	return out
}

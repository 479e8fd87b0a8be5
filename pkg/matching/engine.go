// Package matching enumerates bounded-length cycles on the want→offer asset
// graph formed by active swap intents, scores each candidate with a
// CEL-evaluated combination of value balance, freshness, and participant
// diversity, and greedily selects a non-conflicting subset.
package matching

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/decls"
	"github.com/google/cel-go/common/types"
	"github.com/google/uuid"

	"github.com/swapforge/core/pkg/model"
)

// Config bounds and tunes one matcher run.
type Config struct {
	MaxCycles    int           // safety cap on candidate cycles enumerated
	MaxRuntimeMs int           // safety cap on wall-clock search time
	MaxCycleLen  int           // longest cycle (k) considered
	ScoringExpr  string        // CEL expression over value_balance/freshness/participant_diversity
	ProposalTTL  time.Duration // proposal.ExpiresAt = now + ProposalTTL
}

// DefaultConfig matches the defaults config.Load uses for MatcherMaxCycles/
// MatcherMaxRuntimeMs.
func DefaultConfig() Config {
	return Config{
		MaxCycles:    500,
		MaxRuntimeMs: 2000,
		MaxCycleLen:  6,
		ScoringExpr:  "0.5*value_balance + 0.3*freshness + 0.2*participant_diversity",
		ProposalTTL:  10 * time.Minute,
	}
}

// Engine runs one scoring strategy. It is pure: the same intents and asset
// values always yield the same ordered proposal set.
type Engine struct {
	cfg   Config
	prg   cel.Program
	clock func() time.Time
	newID func() string
}

// New compiles cfg.ScoringExpr and returns a ready Engine.
func New(cfg Config) (*Engine, error) {
	if cfg.MaxCycleLen < 2 {
		cfg.MaxCycleLen = 2
	}
	env, err := cel.NewEnv(
		cel.VariableDecls(
			decls.NewVariable("value_balance", types.DoubleType),
			decls.NewVariable("freshness", types.DoubleType),
			decls.NewVariable("participant_diversity", types.DoubleType),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("matching: create CEL env: %w", err)
	}
	ast, issues := env.Compile(cfg.ScoringExpr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("matching: compile scoring expression: %w", issues.Err())
	}
	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("matching: build scoring program: %w", err)
	}
	return &Engine{cfg: cfg, prg: prg, clock: time.Now, newID: uuid.NewString}, nil
}

// WithClock overrides the engine's time source for deterministic tests.
func (e *Engine) WithClock(clock func() time.Time) *Engine {
	e.clock = clock
	return e
}

// WithIDFunc overrides proposal ID generation for deterministic tests.
func (e *Engine) WithIDFunc(f func() string) *Engine {
	e.newID = f
	return e
}

// node is one active intent in the want→offer graph.
type node struct {
	intent model.SwapIntent
}

// FindCycles enumerates cycles among intents, scores them, and returns a
// deterministic, non-conflicting proposal set ordered by descending score
// then lexicographic cycle key. assetValues maps asset ID to a relative
// value used for the balance term; an asset absent from the table is
// treated as value 1.
func (e *Engine) FindCycles(intents []model.SwapIntent, assetValues map[string]float64) ([]model.CycleProposal, error) {
	active := make(map[string]node, len(intents))
	for _, in := range intents {
		if in.Status == model.IntentActive {
			active[in.ID] = node{intent: in}
		}
	}

	// offersOf[assetID] = intent IDs currently offering that asset.
	offersOf := make(map[string][]string)
	for id, n := range active {
		for _, a := range n.intent.Offer {
			offersOf[a.AssetID] = append(offersOf[a.AssetID], id)
		}
	}
	// adjacency: intent -> intents whose offer satisfies one of intent's wants.
	adj := make(map[string][]string)
	for id, n := range active {
		seen := make(map[string]bool)
		for _, w := range n.intent.Want {
			for _, other := range offersOf[w.AssetID] {
				if other == id || seen[other] {
					continue
				}
				seen[other] = true
				adj[id] = append(adj[id], other)
			}
		}
		sort.Strings(adj[id])
	}

	ids := make([]string, 0, len(active))
	for id := range active {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	search := &cycleSearch{
		engine:    e,
		active:    active,
		adj:       adj,
		assetVal:  assetValues,
		deadline:  e.clock().Add(time.Duration(e.cfg.MaxRuntimeMs) * time.Millisecond),
		now:       e.clock(),
		seenKeys:  make(map[string]bool),
		candidate: nil,
	}
	for _, start := range ids {
		if len(search.candidate) >= e.cfg.MaxCycles || e.clock().After(search.deadline) {
			break
		}
		search.extend([]string{start}, map[string]bool{start: true})
	}

	sort.SliceStable(search.candidate, func(i, j int) bool {
		a, b := search.candidate[i], search.candidate[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		return lexLessKey(a.CycleKey(), b.CycleKey())
	})

	used := make(map[string]bool)
	var selected []model.CycleProposal
	for _, c := range search.candidate {
		conflict := false
		for _, leg := range c.Legs {
			if used[leg.IntentID] {
				conflict = true
				break
			}
		}
		if conflict {
			continue
		}
		for _, leg := range c.Legs {
			used[leg.IntentID] = true
		}
		selected = append(selected, c)
	}
	return selected, nil
}

func lexLessKey(a, b []string) bool {
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return len(a) < len(b)
}

// cycleSearch holds the mutable state of one enumeration pass.
type cycleSearch struct {
	engine    *Engine
	active    map[string]node
	adj       map[string][]string
	assetVal  map[string]float64
	deadline  time.Time
	now       time.Time
	seenKeys  map[string]bool
	candidate []model.CycleProposal
}

// extend performs a bounded DFS from path[0], looking for edges back to the
// start node to close a cycle of length >= 2.
func (s *cycleSearch) extend(path []string, onPath map[string]bool) {
	if len(s.candidate) >= s.engine.cfg.MaxCycles || s.engine.clock().After(s.deadline) {
		return
	}
	last := path[len(path)-1]
	for _, next := range s.adj[last] {
		if next == path[0] && len(path) >= 2 {
			s.record(path)
			continue
		}
		if onPath[next] || len(path) >= s.engine.cfg.MaxCycleLen {
			continue
		}
		onPath[next] = true
		s.extend(append(path, next), onPath)
		delete(onPath, next)
		if len(s.candidate) >= s.engine.cfg.MaxCycles || s.engine.clock().After(s.deadline) {
			return
		}
	}
}

func (s *cycleSearch) record(path []string) {
	proposal, ok := s.engine.buildProposal(path, s.active, s.assetVal, s.now)
	if !ok {
		return
	}
	keyStr := fmt.Sprintf("%v", proposal.CycleKey())
	if s.seenKeys[keyStr] {
		return
	}
	s.seenKeys[keyStr] = true
	s.candidate = append(s.candidate, proposal)
}

// buildProposal converts a closed path of intent IDs into a scored
// CycleProposal. Leg i moves the asset intent[i] wants from intent[i+1]'s
// actor to intent[i]'s actor — intent i+1's offer satisfies intent i's want,
// so the leg is tied to intent[i+1] and transfers its offered asset.
func (e *Engine) buildProposal(path []string, active map[string]node, assetVal map[string]float64, now time.Time) (model.CycleProposal, bool) {
	n := len(path)
	legs := make([]model.Leg, 0, n)
	participants := make([]model.ActorRef, 0, n)
	for i, id := range path {
		cur := active[id].intent
		nextID := path[(i+1)%n]
		nextIntent := active[nextID].intent
		assetID, ok := commonAsset(cur.Want, nextIntent.Offer)
		if !ok {
			return model.CycleProposal{}, false
		}
		legs = append(legs, model.Leg{
			FromActor: nextIntent.Actor,
			ToActor:   cur.Actor,
			IntentID:  nextIntent.ID,
			AssetID:   assetID,
		})
		participants = append(participants, cur.Actor)
	}

	score := e.score(path, active, assetVal, legs, participants, now)

	partner := ""
	samePartner := true
	for _, id := range path {
		p := active[id].intent.PartnerID
		if partner == "" {
			partner = p
		} else if p != partner {
			samePartner = false
		}
	}
	if !samePartner {
		partner = ""
	}

	return model.CycleProposal{
		ID:           e.newID(),
		Participants: participants,
		Legs:         legs,
		Score:        score,
		ExpiresAt:    now.Add(e.cfg.ProposalTTL),
		PartnerID:    partner,
	}, true
}

func commonAsset(want []model.AssetRef, offer []model.AssetRef) (string, bool) {
	for _, w := range want {
		for _, o := range offer {
			if w.AssetID == o.AssetID {
				return w.AssetID, true
			}
		}
	}
	return "", false
}

func (e *Engine) score(path []string, active map[string]node, assetVal map[string]float64, legs []model.Leg, participants []model.ActorRef, now time.Time) float64 {
	valueOf := func(assetID string) float64 {
		if v, ok := assetVal[assetID]; ok {
			return v
		}
		return 1
	}

	net := make(map[string]float64, len(participants))
	for _, leg := range legs {
		v := valueOf(leg.AssetID)
		net[leg.FromActor.String()] -= v
		net[leg.ToActor.String()] += v
	}
	mean := 0.0
	for _, v := range net {
		mean += v
	}
	mean /= float64(len(net))
	variance := 0.0
	for _, v := range net {
		d := v - mean
		variance += d * d
	}
	variance /= float64(len(net))
	valueBalance := 1 / (1 + variance)

	freshness := 0.0
	for _, id := range path {
		age := now.Sub(active[id].intent.CreatedAt).Hours()
		if age < 0 {
			age = 0
		}
		freshness += 1 / (1 + age/24)
	}
	freshness /= float64(len(path))

	diversity := float64(len(path)) / float64(e.cfg.MaxCycleLen)
	if diversity > 1 {
		diversity = 1
	}

	out, _, err := e.prg.Eval(map[string]interface{}{
		"value_balance":         valueBalance,
		"freshness":             freshness,
		"participant_diversity": diversity,
	})
	if err != nil {
		return 0
	}
	if f, ok := out.Value().(float64); ok {
		return f
	}
	return 0
}

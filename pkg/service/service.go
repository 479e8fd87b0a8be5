// Package service is the operation façade of §6 "External interfaces": each
// exported method is one operation_id, running validate → authorize →
// apply (idempotent for the operations that take an idempotency key) →
// respond in that order, and returning the stable
// {ok, body} / {ok:false, error} envelope shape every transport adapts.
package service

import (
	"context"
	"sync"
	"time"

	"github.com/swapforge/core/pkg/authz"
	"github.com/swapforge/core/pkg/config"
	"github.com/swapforge/core/pkg/errs"
	"github.com/swapforge/core/pkg/export"
	"github.com/swapforge/core/pkg/idempotency"
	"github.com/swapforge/core/pkg/matching"
	"github.com/swapforge/core/pkg/model"
	"github.com/swapforge/core/pkg/outbox"
	"github.com/swapforge/core/pkg/ratelimit"
	"github.com/swapforge/core/pkg/settlement"
	"github.com/swapforge/core/pkg/store"
	"github.com/swapforge/core/pkg/vault"

	"go.opentelemetry.io/otel/trace"
)

// Envelope is the stable {ok, body}/{ok:false, error} response shape.
type Envelope struct {
	OK    bool                   `json:"ok"`
	Body  map[string]interface{} `json:"body,omitempty"`
	Error *errs.Error            `json:"error,omitempty"`
}

// Service wires every component package behind the operation surface. One
// Service instance serves one store. cfg is kept on the Service but no
// operation calls it; tenancy enforcement is read per call through the
// resolver's own enforce callback instead.
type Service struct {
	store      *store.Store
	vault      *vault.Vault
	settlement *settlement.Engine
	resolver   *authz.Resolver
	matcher    *matching.Engine
	exporter   *export.Exporter
	events     *outbox.Outbox
	limiter    ratelimit.Limiter
	policies   map[string]ratelimit.Policy
	cfg        func() config.PolicyConfig
	clock      func() time.Time
	tracer     trace.Tracer

	snapMu    sync.Mutex
	snapshots map[string]vault.CustodySnapshot // keyed by merkle root
}

// New builds a Service. cfg is stored as given; no operation reads it.
func New(
	s *store.Store,
	v *vault.Vault,
	eng *settlement.Engine,
	resolver *authz.Resolver,
	matcher *matching.Engine,
	exporter *export.Exporter,
	events *outbox.Outbox,
	limiter ratelimit.Limiter,
	cfg func() config.PolicyConfig,
) *Service {
	return &Service{
		store:      s,
		vault:      v,
		settlement: eng,
		resolver:   resolver,
		matcher:    matcher,
		exporter:   exporter,
		events:     events,
		limiter:    limiter,
		policies:   defaultPolicies(),
		cfg:        cfg,
		clock:      time.Now,
		tracer:     defaultTracer(),
		snapshots:  make(map[string]vault.CustodySnapshot),
	}
}

// WithClock overrides the service's time source for deterministic tests.
func (s *Service) WithClock(clock func() time.Time) *Service {
	s.clock = clock
	return s
}

// WithTracer overrides the OTel tracer used for per-operation spans. Tests
// and embedders that want exported spans supply one backed by a
// *sdktrace.TracerProvider with a real SpanProcessor; the default tracer
// creates spans but never exports them.
func (s *Service) WithTracer(tracer trace.Tracer) *Service {
	s.tracer = tracer
	return s
}

// WithPolicies overrides per-operation rate-limit policies.
func (s *Service) WithPolicies(policies map[string]ratelimit.Policy) *Service {
	s.policies = policies
	return s
}

func defaultPolicies() map[string]ratelimit.Policy {
	return map[string]ratelimit.Policy{
		"intent.create":                   {RPS: 50, Burst: 100},
		"intent.cancel":                   {RPS: 50, Burst: 100},
		"vault.deposit":                   {RPS: 50, Burst: 100},
		"cycleProposals.accept":           {RPS: 50, Burst: 100},
		"settlement.start":                {RPS: 50, Burst: 100},
		"settlement.deposit_confirmed":    {RPS: 100, Burst: 200},
		"settlement.execute":              {RPS: 50, Burst: 100},
		"settlement.expire_deposit_window": {RPS: 50, Burst: 100},
		"webhook.ingest":                  {RPS: 200, Burst: 400},
		"export.run":                      {RPS: 20, Burst: 40},
		"matching.run":                    {RPS: 5, Burst: 10},
		"vault.snapshot":                  {RPS: 10, Burst: 20},
		"vault.proveInclusion":            {RPS: 50, Burst: 100},
	}
}

// resolveAndGate runs the common preamble of every operation: resolve the
// actor, enforce the operation's required scope, and consult the rate
// limiter — all before anything touches the store. The whole preamble runs
// under a "operation.<id>" span so auth/rate-limit rejections are visible in
// traces without every operation having to open its own span.
func (s *Service) resolveAndGate(raw authz.RawRequest, operation, scope string) (ac model.AuthContext, cerr *errs.Error) {
	ctx := context.Background()
	ctx, span := s.tracer.Start(ctx, "operation."+operation, trace.WithSpanKind(trace.SpanKindInternal))
	defer func() {
		span.SetAttributes(
			attrOperation.String(operation),
			attrActorType.String(string(ac.Actor.Type)),
			attrActorID.String(ac.Actor.ID),
			attrPartnerID.String(ac.PartnerTenant),
		)
		if cerr != nil {
			span.RecordError(cerr)
		}
		span.End()
	}()

	ac, cerr = s.resolver.Resolve(raw)
	if cerr != nil {
		return model.AuthContext{}, cerr
	}
	if scope != "" {
		if cerr := authz.RequireScope(ac, scope); cerr != nil {
			return model.AuthContext{}, cerr
		}
	}
	if s.limiter != nil {
		policy, ok := s.policies[operation]
		if !ok {
			policy = ratelimit.Policy{RPS: 20, Burst: 40}
		}
		allowed, err := s.limiter.Allow(ctx, ratelimit.Key(operation, ac.Actor.String()), policy)
		if err != nil {
			// Fail open: a limiter outage must never block legitimate traffic.
			return ac, nil
		}
		if !allowed {
			return model.AuthContext{}, errs.Newf(errs.CodeRateLimited, "rate limit exceeded for "+operation, "rate_limited")
		}
	}
	return ac, nil
}

// withIdempotentTx runs fn — the operation's actual domain mutation — under
// the same store critical section as its idempotency check and commit. A
// prior version checked and committed under two separate store.With calls
// with the domain mutation sandwiched in between; two concurrent identical
// requests could both observe "not found" and both execute fn. Folding all
// three into one critical section is what pkg/store/tx.go's CheckIdempotent
// doc comment already promised. An empty idempotencyKey disables
// idempotency entirely: fn always runs, found is always false.
func (s *Service) withIdempotentTx(operation string, ac model.AuthContext, idempotencyKey string, payload interface{}, fn func(tx *store.Tx) (map[string]interface{}, *errs.Error)) (result map[string]interface{}, replayed bool, cerr *errs.Error) {
	if idempotencyKey == "" {
		s.store.With(func(tx *store.Tx) {
			result, cerr = fn(tx)
		})
		return result, false, cerr
	}

	scopeKey := idempotency.ScopeKey(operation, idempotencyKey, ac.Actor.String())
	s.store.With(func(tx *store.Tx) {
		found, isReplay, record, checkErr := tx.CheckIdempotent(scopeKey, payload)
		if checkErr != nil {
			cerr = checkErr
			return
		}
		if found {
			result, replayed = record.ResultEnvelope, isReplay
			return
		}
		result, cerr = fn(tx)
		if cerr != nil {
			return
		}
		_ = tx.CommitIdempotent(scopeKey, payload, result)
	})
	return result, replayed, cerr
}

func withReplayed(body map[string]interface{}, replayed bool) map[string]interface{} {
	out := make(map[string]interface{}, len(body)+1)
	for k, v := range body {
		out[k] = v
	}
	out["replayed"] = replayed
	return out
}

func ok(body map[string]interface{}) Envelope {
	return Envelope{OK: true, Body: body}
}

func fail(cerr *errs.Error) Envelope {
	return Envelope{OK: false, Error: cerr}
}

package authz

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/swapforge/core/pkg/delegation"
	"github.com/swapforge/core/pkg/errs"
	"github.com/swapforge/core/pkg/model"
)

// RawRequest is what transport hands the resolver: unparsed actor/auth
// headers plus whatever delegation token accompanied the call.
type RawRequest struct {
	ActorType        string
	ActorID          string
	DelegationToken  string
	Now              time.Time
}

// Resolver implements §4.7: parse actor, verify delegation if present,
// resolve tenancy, and leave scope checking to the caller (who knows the
// operation's required scopes).
type Resolver struct {
	issuer   *delegation.Issuer
	grants   *delegation.GrantStore
	tenancy  *Engine // ReBAC tuples: "cycle:<id>"#"partner"@"partner:<id>"
	enforce  func() bool
}

// NewResolver wires an Issuer (for delegation token verification), a
// GrantStore (for store-level revocation), a tenancy Engine, and an
// enforce callback read per-operation from PolicyConfig.AuthzEnforce.
func NewResolver(issuer *delegation.Issuer, grants *delegation.GrantStore, tenancy *Engine, enforce func() bool) *Resolver {
	return &Resolver{issuer: issuer, grants: grants, tenancy: tenancy, enforce: enforce}
}

// Resolve parses req into an AuthContext, or a stable auth error.
func (r *Resolver) Resolve(req RawRequest) (model.AuthContext, *errs.Error) {
	actor, err := parseActor(req.ActorType, req.ActorID)
	if err != nil {
		return model.AuthContext{}, errs.New(errs.CodeUnauthenticated, err.Error())
	}

	ac := model.AuthContext{
		Actor:  actor,
		Scopes: map[string]bool{},
		Now:    req.Now,
	}

	if req.DelegationToken == "" {
		// No delegation: the actor acts as themself, no scope restriction
		// beyond what the operation itself requires of their actor type.
		return ac, nil
	}

	result := r.issuer.Introspect(req.DelegationToken, req.Now, r.grants.Checker())
	switch {
	case result.Reason == delegation.ReasonExpired:
		return model.AuthContext{}, errs.New(errs.CodeDelegationExpired, "delegation token has expired")
	case result.Reason == delegation.ReasonRevoked || result.Reason == delegation.ReasonKeyRevoked:
		return model.AuthContext{}, errs.New(errs.CodeDelegationRevoked, "delegation token has been revoked")
	case !result.Active:
		return model.AuthContext{}, errs.New(errs.CodeInvalidDelegation, "delegation token failed verification")
	}

	if len(result.Grant.Scopes) == 0 {
		return model.AuthContext{}, errs.New(errs.CodeInvalidDelegation, "delegation grant carries no scopes")
	}
	if !result.Grant.DelegateActor.Equal(actor) {
		return model.AuthContext{}, errs.New(errs.CodeInvalidDelegation, "delegation token actor mismatch")
	}

	grant := result.Grant
	ac.Delegation = &grant
	for _, s := range grant.Scopes {
		ac.Scopes[s] = true
	}
	return ac, nil
}

// RequireScope fails insufficient_scope unless the auth context carries
// scope. When the context has no delegation, non-delegated actors (acting
// as themselves) are assumed to carry every scope their own type permits —
// scope restriction only narrows a delegate's reach.
func RequireScope(ac model.AuthContext, scope string) *errs.Error {
	if ac.Delegation == nil {
		return nil
	}
	if !ac.HasScope(scope) {
		return errs.New(errs.CodeInsufficientScope, fmt.Sprintf("missing required scope %q", scope))
	}
	return nil
}

// RequireTenancy enforces §4.7 step 3: access requires the actor being the
// resource's partner, OR admin/service scope, OR an explicit delegation
// covering the resource (a grant whose principal is that partner).
func (r *Resolver) RequireTenancy(ac model.AuthContext, resourceObject, resourcePartnerID string, enforceOverride ...bool) *errs.Error {
	enforce := r.enforce()
	if len(enforceOverride) > 0 {
		enforce = enforceOverride[0]
	}
	if !enforce {
		return nil
	}
	if ac.Actor.Type == model.ActorAdmin || ac.Actor.Type == model.ActorService {
		return nil
	}
	if ac.Actor.Type == model.ActorPartner && ac.Actor.ID == resourcePartnerID {
		return nil
	}
	if ac.Delegation != nil && ac.Delegation.PrincipalActor.Type == model.ActorPartner && ac.Delegation.PrincipalActor.ID == resourcePartnerID {
		return nil
	}
	if r.tenancy != nil {
		allowed, _ := r.tenancy.Check(context.Background(), resourceObject, "partner", "partner:"+resourcePartnerID)
		if allowed {
			return nil
		}
	}
	return errs.New(errs.CodeTenancyForbidden, "actor is not authorized for this partner's resources")
}

// RequireActor enforces §4.3's per-leg confirming-actor guard: the resolved
// actor must be expected themself, expected's delegate acting under scope,
// or an admin/service actor. Unlike RequireTenancy this has no enforce
// toggle — it gates who a deposit is attributed to, not whether tenancy
// isolation is on, so it always applies.
func RequireActor(ac model.AuthContext, expected model.ActorRef, scope string) *errs.Error {
	if ac.Actor.Type == model.ActorAdmin || ac.Actor.Type == model.ActorService {
		return nil
	}
	if ac.Actor.Equal(expected) {
		return nil
	}
	if ac.Delegation != nil && ac.Delegation.PrincipalActor.Equal(expected) && ac.Delegation.DelegateActor.Equal(ac.Actor) && ac.HasScope(scope) {
		return nil
	}
	return errs.New(errs.CodeForbidden, fmt.Sprintf("actor %s is not authorized to act for %s", ac.Actor, expected))
}

func parseActor(actorType, actorID string) (model.ActorRef, error) {
	if actorID == "" {
		return model.ActorRef{}, fmt.Errorf("actor id is required")
	}
	t := model.ActorType(strings.ToLower(actorType))
	switch t {
	case model.ActorUser, model.ActorPartner, model.ActorAdmin, model.ActorService:
		return model.ActorRef{Type: t, ID: actorID}, nil
	default:
		return model.ActorRef{}, fmt.Errorf("unknown actor type %q", actorType)
	}
}

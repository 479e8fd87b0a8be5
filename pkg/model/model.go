// Package model holds the entity types shared across every core component:
// actors, intents, proposals, timelines, receipts, holdings, delegations,
// exports and events. Nothing here mutates state directly — components that
// need to change an entity go through the store.
package model

import "time"

// ActorType enumerates who can act in the system.
type ActorType string

const (
	ActorUser    ActorType = "user"
	ActorPartner ActorType = "partner"
	ActorAdmin   ActorType = "admin"
	ActorService ActorType = "service"
)

// ActorRef identifies a party. Equality is by (Type, ID).
type ActorRef struct {
	Type ActorType `json:"type"`
	ID   string    `json:"id"`
}

// Equal reports whether a and b name the same actor.
func (a ActorRef) Equal(b ActorRef) bool {
	return a.Type == b.Type && a.ID == b.ID
}

func (a ActorRef) String() string {
	return string(a.Type) + ":" + a.ID
}

// Signature is the embedded proof on every signed object. The signing
// input is always the canonical form of the enclosing object with this
// field cleared.
type Signature struct {
	KeyID string `json:"key_id"`
	Alg   string `json:"alg"`
	Sig   string `json:"sig"`
}

// AuthContext is the resolved identity and permission envelope for one
// operation call.
type AuthContext struct {
	Actor         ActorRef         `json:"actor"`
	Scopes        map[string]bool  `json:"scopes"`
	Delegation    *DelegationGrant `json:"delegation,omitempty"`
	PartnerTenant string           `json:"partner_tenant,omitempty"`
	Now           time.Time        `json:"now"`
}

// HasScope reports whether the resolved auth context carries the named scope.
func (a AuthContext) HasScope(scope string) bool {
	return a.Scopes[scope]
}

// AssetRef identifies a fungible or unique asset unit referenced by an
// intent leg.
type AssetRef struct {
	AssetID string `json:"asset_id"`
}

// IntentStatus is the lifecycle state of a SwapIntent.
type IntentStatus string

const (
	IntentActive    IntentStatus = "active"
	IntentMatched   IntentStatus = "matched"
	IntentCancelled IntentStatus = "cancelled"
	IntentConsumed  IntentStatus = "consumed"
)

// SwapIntent is a standing offer to trade Offer assets for Want assets.
type SwapIntent struct {
	ID        string       `json:"id"`
	Actor     ActorRef     `json:"actor"`
	Offer     []AssetRef   `json:"offer"`
	Want      []AssetRef   `json:"want"`
	ValueBand string       `json:"value_band"`
	Status    IntentStatus `json:"status"`
	PartnerID string       `json:"partner_id,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// Leg is one transfer within a cycle proposal.
type Leg struct {
	FromActor ActorRef `json:"from_actor"`
	ToActor   ActorRef `json:"to_actor"`
	IntentID  string   `json:"intent_id"`
	AssetID   string   `json:"asset_id"`
}

// CycleProposal is a candidate rotation of legs produced by the matcher.
type CycleProposal struct {
	ID           string     `json:"id"`
	Participants []ActorRef `json:"participants"`
	Legs         []Leg      `json:"legs"`
	Score        float64    `json:"score"`
	ExpiresAt    time.Time  `json:"expires_at"`
	PartnerID    string     `json:"partner_id,omitempty"`
}

// CycleKey returns the rotation-normalized tuple of participant IDs used to
// dedupe proposals that name the same cycle starting from a different
// participant (the smallest rotation wins).
func (p CycleProposal) CycleKey() []string {
	ids := make([]string, len(p.Participants))
	for i, a := range p.Participants {
		ids[i] = a.String()
	}
	if len(ids) == 0 {
		return ids
	}
	best := ids
	for start := 1; start < len(ids); start++ {
		candidate := rotate(ids, start)
		if lexLess(candidate, best) {
			best = candidate
		}
	}
	return best
}

func rotate(ids []string, start int) []string {
	out := make([]string, len(ids))
	for i := range ids {
		out[i] = ids[(start+i)%len(ids)]
	}
	return out
}

func lexLess(a, b []string) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

// CommitPhase is the acceptance outcome for a proposal.
type CommitPhase string

const (
	CommitAccepted CommitPhase = "accepted"
	CommitRejected CommitPhase = "rejected"
)

// Commit records a partner's decision on a CycleProposal.
type Commit struct {
	ID             string      `json:"id"`
	ProposalID     string      `json:"proposal_id"`
	Phase          CommitPhase `json:"phase"`
	AcceptorActor  ActorRef    `json:"acceptor_actor"`
	OccurredAt     time.Time   `json:"occurred_at"`
}

// SettlementState is a node in the settlement state machine (§4.3).
type SettlementState string

const (
	StateInitial       SettlementState = "initial"
	StateEscrowPending SettlementState = "escrow.pending"
	StateEscrowReady   SettlementState = "escrow.ready"
	StateExecuting     SettlementState = "executing"
	StateCompleted     SettlementState = "completed"
	StateFailed        SettlementState = "failed"
	StateExpired       SettlementState = "expired"
)

// IsTerminal reports whether s accepts no further transitions.
func (s SettlementState) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateExpired
}

// LegStatus is the per-leg deposit/release progress within a Timeline.
type LegStatus string

const (
	LegPending   LegStatus = "pending"
	LegDeposited LegStatus = "deposited"
	LegReleased  LegStatus = "released"
	LegFailed    LegStatus = "failed"
)

// TimelineLeg tracks one cycle leg's settlement progress.
type TimelineLeg struct {
	FromActor          ActorRef  `json:"from_actor"`
	IntentID           string    `json:"intent_id"`
	Status             LegStatus `json:"status"`
	VaultHoldingID     string    `json:"vault_holding_id,omitempty"`
	VaultReservationID string    `json:"vault_reservation_id,omitempty"`
	DepositRef         string    `json:"deposit_ref,omitempty"`
}

// Timeline is the settlement state machine instance for one accepted cycle.
type Timeline struct {
	CycleID          string          `json:"cycle_id"`
	ProposalID       string          `json:"proposal_id"`
	State            SettlementState `json:"state"`
	Legs             []TimelineLeg   `json:"legs"`
	DepositDeadlineAt *time.Time     `json:"deposit_deadline_at,omitempty"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// LegByIntent returns a pointer to the leg for intentID, or nil.
func (t *Timeline) LegByIntent(intentID string) *TimelineLeg {
	for i := range t.Legs {
		if t.Legs[i].IntentID == intentID {
			return &t.Legs[i]
		}
	}
	return nil
}

// ReceiptFinalState narrows Receipt.FinalState to the two terminal outcomes
// that produce a receipt.
type ReceiptFinalState string

const (
	ReceiptCompleted ReceiptFinalState = "completed"
	ReceiptFailed    ReceiptFinalState = "failed"
)

// Receipt is the signed terminal record of a settled cycle.
type Receipt struct {
	ID             string            `json:"id"`
	CycleID        string            `json:"cycle_id"`
	FinalState     ReceiptFinalState `json:"final_state"`
	IntentIDs      []string          `json:"intent_ids"`
	AssetIDs       []string          `json:"asset_ids"`
	CreatedAt      time.Time         `json:"created_at"`
	ReasonCode     string            `json:"reason_code,omitempty"`
	Transparency   map[string]interface{} `json:"transparency,omitempty"`
	Signature      Signature         `json:"signature"`
}

// SignablePayload returns the receipt with its signature cleared, the
// value whose canonical form is the signing input.
func (r Receipt) SignablePayload() Receipt {
	r.Signature = Signature{}
	return r
}

// HoldingStatus is the lifecycle state of a VaultHolding.
type HoldingStatus string

const (
	HoldingDeposited HoldingStatus = "deposited"
	HoldingReserved  HoldingStatus = "reserved"
	HoldingReleased  HoldingStatus = "released"
	HoldingWithdrawn HoldingStatus = "withdrawn"
)

// VaultHolding is a reserved asset record used to prove custody during
// settlement.
type VaultHolding struct {
	HoldingID          string        `json:"holding_id"`
	VaultID            string        `json:"vault_id"`
	OwnerActor         ActorRef      `json:"owner_actor"`
	AssetID            string        `json:"asset_id"`
	Status             HoldingStatus `json:"status"`
	ReservationID      string        `json:"reservation_id,omitempty"`
	SettlementCycleID  string        `json:"settlement_cycle_id,omitempty"`
	WithdrawnAt        *time.Time    `json:"withdrawn_at,omitempty"`
	CreatedAt          time.Time     `json:"created_at"`
}

// IdempotencyRecord is the stored outcome for a (scope, key) pair.
type IdempotencyRecord struct {
	ScopeKey       string                 `json:"scope_key"`
	PayloadHash    string                 `json:"payload_hash"`
	ResultEnvelope map[string]interface{} `json:"result_envelope"`
	CreatedAt      time.Time              `json:"created_at"`
}

// DelegationGrant permits DelegateActor to act for PrincipalActor within
// Scopes and a validity window.
type DelegationGrant struct {
	DelegationID   string    `json:"delegation_id"`
	PrincipalActor ActorRef  `json:"principal_actor"`
	DelegateActor  ActorRef  `json:"delegate_actor"`
	Scopes         []string  `json:"scopes"`
	NotBefore      time.Time `json:"not_before"`
	ExpiresAt      time.Time `json:"expires_at"`
	RevokedAt      *time.Time `json:"revoked_at,omitempty"`
	Signature      Signature `json:"signature"`
}

// SignablePayload returns the grant with its signature cleared.
func (g DelegationGrant) SignablePayload() DelegationGrant {
	g.Signature = Signature{}
	return g
}

// HasScope reports whether the grant covers the named scope.
func (g DelegationGrant) HasScope(scope string) bool {
	for _, s := range g.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// ExportCheckpoint is the resumable cursor for one export stream.
type ExportCheckpoint struct {
	CheckpointHash      string                 `json:"checkpoint_hash"`
	CheckpointAfter     string                 `json:"checkpoint_after,omitempty"`
	NextCursor          string                 `json:"next_cursor,omitempty"`
	AttestationChainHash string                `json:"attestation_chain_hash,omitempty"`
	QueryContext        map[string]interface{} `json:"query_context"`
	ExportedAt          time.Time              `json:"exported_at"`
}

// AttestationEntry is one link of a journal's hash chain.
type AttestationEntry struct {
	Hash      string      `json:"hash"`
	PrevHash  string      `json:"prev_hash"`
	Entry     interface{} `json:"entry"`
	Recorded  time.Time   `json:"recorded_at"`
}

// EventEnvelope is one signed, deduplicated outbox entry.
type EventEnvelope struct {
	EventID       string      `json:"event_id"`
	Type          string      `json:"type"`
	OccurredAt    time.Time   `json:"occurred_at"`
	CorrelationID string      `json:"correlation_id"`
	Actor         ActorRef    `json:"actor"`
	Payload       interface{} `json:"payload"`
	Signature     Signature   `json:"signature"`
}

// SignablePayload returns the envelope with its signature cleared.
func (e EventEnvelope) SignablePayload() EventEnvelope {
	e.Signature = Signature{}
	return e
}

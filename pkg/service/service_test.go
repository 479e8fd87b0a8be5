package service_test

import (
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swapforge/core/pkg/authz"
	"github.com/swapforge/core/pkg/config"
	"github.com/swapforge/core/pkg/crypto"
	"github.com/swapforge/core/pkg/errs"
	"github.com/swapforge/core/pkg/export"
	"github.com/swapforge/core/pkg/matching"
	"github.com/swapforge/core/pkg/merkle"
	"github.com/swapforge/core/pkg/model"
	"github.com/swapforge/core/pkg/outbox"
	"github.com/swapforge/core/pkg/ratelimit"
	"github.com/swapforge/core/pkg/service"
	"github.com/swapforge/core/pkg/settlement"
	"github.com/swapforge/core/pkg/store"
	"github.com/swapforge/core/pkg/vault"
)

func seqIDs(prefix string) func() string {
	n := 0
	return func() string {
		n++
		return prefix + strconv.Itoa(n)
	}
}

type harness struct {
	svc   *service.Service
	store *store.Store
	vault *vault.Vault
}

func newHarness(t *testing.T, enforceTenancy bool) harness {
	t.Helper()
	s := store.New()
	v := vault.New("v1", s, seqIDs("h"))
	keys := crypto.NewKeyRing()
	require.NoError(t, keys.GenerateKey("k1"))
	ob := outbox.New(keys, seqIDs("evt"))
	eng := settlement.New(s, v, keys, ob, seqIDs("receipt"))
	resolver := authz.NewResolver(nil, nil, authz.NewEngine(), func() bool { return enforceTenancy })
	matcher, err := matching.New(matching.DefaultConfig())
	require.NoError(t, err)
	exporter := export.New(s, keys)
	limiter := ratelimit.NewInProcessLimiter(time.Minute, time.Hour)
	t.Cleanup(limiter.Close)

	cfg := func() config.PolicyConfig { return config.PolicyConfig{} }
	svc := service.New(s, v, eng, resolver, matcher, exporter, ob, limiter, cfg)
	return harness{svc: svc, store: s, vault: v}
}

func serviceActor(actorType, id string) authz.RawRequest {
	return authz.RawRequest{ActorType: actorType, ActorID: id, Now: time.Now()}
}

func twoLegProposal() model.CycleProposal {
	alice := model.ActorRef{Type: model.ActorUser, ID: "alice"}
	bob := model.ActorRef{Type: model.ActorUser, ID: "bob"}
	return model.CycleProposal{
		ID:           "cycle-1",
		Participants: []model.ActorRef{alice, bob},
		Legs: []model.Leg{
			{FromActor: alice, ToActor: bob, IntentID: "intent-a", AssetID: "asset-a"},
			{FromActor: bob, ToActor: alice, IntentID: "intent-b", AssetID: "asset-b"},
		},
	}
}

// TestService_HappyPathTwoCycle drives the two-participant cycle end to end
// through the façade, mirroring spec.md §8 scenario 1.
func TestService_HappyPathTwoCycle(t *testing.T) {
	h := newHarness(t, false)

	aliceDeposit := h.svc.VaultDeposit(serviceActor("user", "alice"), "", service.VaultDepositRequest{
		OwnerType: "user", OwnerID: "alice", AssetID: "asset-a",
	})
	require.True(t, aliceDeposit.OK)
	aliceHolding := aliceDeposit.Body["holding"].(model.VaultHolding)

	bobDeposit := h.svc.VaultDeposit(serviceActor("user", "bob"), "", service.VaultDepositRequest{
		OwnerType: "user", OwnerID: "bob", AssetID: "asset-b",
	})
	require.True(t, bobDeposit.OK)
	bobHolding := bobDeposit.Body["holding"].(model.VaultHolding)

	proposal := twoLegProposal()
	alice := model.ActorRef{Type: model.ActorUser, ID: "alice"}
	bob := model.ActorRef{Type: model.ActorUser, ID: "bob"}
	now := time.Now()
	h.store.With(func(tx *store.Tx) {
		tx.PutIntent(model.SwapIntent{ID: "intent-a", Actor: alice, Status: model.IntentActive, CreatedAt: now, UpdatedAt: now})
		tx.PutIntent(model.SwapIntent{ID: "intent-b", Actor: bob, Status: model.IntentActive, CreatedAt: now, UpdatedAt: now})
	})
	accept := h.svc.CycleProposalsAccept(serviceActor("user", "alice"), "", service.CycleProposalsAcceptRequest{Proposal: proposal})
	require.True(t, accept.OK)

	start := h.svc.SettlementStart(serviceActor("admin", "ops"), service.SettlementStartRequest{
		Proposal:        proposal,
		DepositDeadline: time.Now().Add(time.Hour),
	})
	require.True(t, start.OK)

	confirmA := h.svc.SettlementConfirmDeposit(serviceActor("admin", "ops"), service.SettlementConfirmDepositRequest{
		CycleID: "cycle-1", IntentID: "intent-a", HoldingID: aliceHolding.HoldingID, DepositRef: "dep-a",
	})
	require.True(t, confirmA.OK)

	confirmB := h.svc.SettlementConfirmDeposit(serviceActor("admin", "ops"), service.SettlementConfirmDepositRequest{
		CycleID: "cycle-1", IntentID: "intent-b", HoldingID: bobHolding.HoldingID, DepositRef: "dep-b",
	})
	require.True(t, confirmB.OK)

	execute := h.svc.SettlementExecute(serviceActor("admin", "ops"), service.SettlementExecuteRequest{CycleID: "cycle-1"})
	require.True(t, execute.OK)
	receipt := execute.Body["receipt"].(model.Receipt)
	assert.Equal(t, model.ReceiptCompleted, receipt.FinalState)
	assert.ElementsMatch(t, []string{"intent-a", "intent-b"}, receipt.IntentIDs)
}

func TestService_VaultDeposit_IdempotentReplay(t *testing.T) {
	h := newHarness(t, false)
	req := service.VaultDepositRequest{OwnerType: "user", OwnerID: "alice", AssetID: "asset-a"}

	first := h.svc.VaultDeposit(serviceActor("user", "alice"), "k1", req)
	require.True(t, first.OK)
	assert.Equal(t, false, first.Body["replayed"])

	second := h.svc.VaultDeposit(serviceActor("user", "alice"), "k1", req)
	require.True(t, second.OK)
	assert.Equal(t, true, second.Body["replayed"])

	firstHolding := first.Body["holding"].(model.VaultHolding)
	secondHolding := second.Body["holding"].(model.VaultHolding)
	assert.Equal(t, firstHolding.HoldingID, secondHolding.HoldingID, "a replay must not mint a second holding")
}

func TestService_VaultDeposit_IdempotencyConflictOnChangedPayload(t *testing.T) {
	h := newHarness(t, false)
	first := h.svc.VaultDeposit(serviceActor("user", "alice"), "k1", service.VaultDepositRequest{
		OwnerType: "user", OwnerID: "alice", AssetID: "asset-a",
	})
	require.True(t, first.OK)

	second := h.svc.VaultDeposit(serviceActor("user", "alice"), "k1", service.VaultDepositRequest{
		OwnerType: "user", OwnerID: "alice", AssetID: "asset-b",
	})
	assert.False(t, second.OK)
	require.NotNil(t, second.Error)
	assert.Equal(t, errs.CodeIdempotencyConflict, second.Error.Code)
}

func TestService_RateLimitExceeded(t *testing.T) {
	h := newHarness(t, false)
	h.svc.WithPolicies(map[string]ratelimit.Policy{
		"vault.deposit": {RPS: 0.001, Burst: 1},
	})

	first := h.svc.VaultDeposit(serviceActor("user", "alice"), "", service.VaultDepositRequest{
		OwnerType: "user", OwnerID: "alice", AssetID: "asset-a",
	})
	require.True(t, first.OK)

	second := h.svc.VaultDeposit(serviceActor("user", "alice"), "", service.VaultDepositRequest{
		OwnerType: "user", OwnerID: "alice", AssetID: "asset-b",
	})
	require.False(t, second.OK)
	assert.Equal(t, errs.CodeRateLimited, second.Error.Code)
}

func TestService_SettlementStart_TenancyForbiddenForUnrelatedPartner(t *testing.T) {
	h := newHarness(t, true)
	proposal := twoLegProposal()
	proposal.PartnerID = "partner-a"

	resp := h.svc.SettlementStart(serviceActor("partner", "partner-b"), service.SettlementStartRequest{
		Proposal:        proposal,
		DepositDeadline: time.Now().Add(time.Hour),
	})
	require.False(t, resp.OK)
	assert.Equal(t, errs.CodeTenancyForbidden, resp.Error.Code)
}

func TestService_SettlementStart_AdminBypassesTenancy(t *testing.T) {
	h := newHarness(t, true)
	proposal := twoLegProposal()
	proposal.PartnerID = "partner-a"

	resp := h.svc.SettlementStart(serviceActor("admin", "ops"), service.SettlementStartRequest{
		Proposal:        proposal,
		DepositDeadline: time.Now().Add(time.Hour),
	})
	assert.True(t, resp.OK)
}

func TestService_MatchingRun_FindsTwoCycle(t *testing.T) {
	h := newHarness(t, false)
	now := time.Now()
	alice := model.ActorRef{Type: model.ActorUser, ID: "alice"}
	bob := model.ActorRef{Type: model.ActorUser, ID: "bob"}
	intents := []model.SwapIntent{
		{
			ID: "intent-a", Actor: alice,
			Offer:  []model.AssetRef{{AssetID: "asset-a"}},
			Want:   []model.AssetRef{{AssetID: "asset-b"}},
			Status: model.IntentActive, CreatedAt: now, UpdatedAt: now,
		},
		{
			ID: "intent-b", Actor: bob,
			Offer:  []model.AssetRef{{AssetID: "asset-b"}},
			Want:   []model.AssetRef{{AssetID: "asset-a"}},
			Status: model.IntentActive, CreatedAt: now, UpdatedAt: now,
		},
	}
	h.store.With(func(tx *store.Tx) {
		for _, in := range intents {
			tx.PutIntent(in)
		}
	})

	resp := h.svc.MatchingRun(serviceActor("service", "matcher"), service.MatchingRunRequest{
		AssetValues: map[string]float64{"asset-a": 10, "asset-b": 10},
	})
	require.True(t, resp.OK)
	proposals := resp.Body["proposals"].([]model.CycleProposal)
	require.Len(t, proposals, 1)
	assert.ElementsMatch(t, []string{"intent-a", "intent-b"},
		[]string{proposals[0].Legs[0].IntentID, proposals[0].Legs[1].IntentID})
}

func TestService_IntentCreate_ThenCancelByOwner(t *testing.T) {
	h := newHarness(t, false)

	create := h.svc.IntentCreate(serviceActor("user", "alice"), "", service.IntentCreateRequest{
		OwnerType: "user", OwnerID: "alice",
		Offer: []model.AssetRef{{AssetID: "asset-a"}}, Want: []model.AssetRef{{AssetID: "asset-b"}},
	})
	require.True(t, create.OK)
	in := create.Body["intent"].(model.SwapIntent)
	assert.Equal(t, model.IntentActive, in.Status)

	cancel := h.svc.IntentCancel(serviceActor("user", "alice"), "", service.IntentCancelRequest{IntentID: in.ID})
	require.True(t, cancel.OK)
	cancelled := cancel.Body["intent"].(model.SwapIntent)
	assert.Equal(t, model.IntentCancelled, cancelled.Status)
}

func TestService_IntentCancel_RejectsNonOwner(t *testing.T) {
	h := newHarness(t, false)

	create := h.svc.IntentCreate(serviceActor("user", "alice"), "", service.IntentCreateRequest{
		OwnerType: "user", OwnerID: "alice",
		Offer: []model.AssetRef{{AssetID: "asset-a"}}, Want: []model.AssetRef{{AssetID: "asset-b"}},
	})
	require.True(t, create.OK)
	in := create.Body["intent"].(model.SwapIntent)

	cancel := h.svc.IntentCancel(serviceActor("user", "bob"), "", service.IntentCancelRequest{IntentID: in.ID})
	require.False(t, cancel.OK)
	assert.Equal(t, errs.CodeForbidden, cancel.Error.Code)
}

func TestService_CycleProposalsAccept_RejectsInactiveIntent(t *testing.T) {
	h := newHarness(t, false)
	alice := model.ActorRef{Type: model.ActorUser, ID: "alice"}
	bob := model.ActorRef{Type: model.ActorUser, ID: "bob"}
	now := time.Now()
	h.store.With(func(tx *store.Tx) {
		tx.PutIntent(model.SwapIntent{ID: "intent-a", Actor: alice, Status: model.IntentCancelled, CreatedAt: now, UpdatedAt: now})
		tx.PutIntent(model.SwapIntent{ID: "intent-b", Actor: bob, Status: model.IntentActive, CreatedAt: now, UpdatedAt: now})
	})

	accept := h.svc.CycleProposalsAccept(serviceActor("user", "alice"), "", service.CycleProposalsAcceptRequest{Proposal: twoLegProposal()})
	require.False(t, accept.OK)
	assert.Equal(t, errs.CodeInvalidStateTransition, accept.Error.Code)
}

// TestService_HappyPathTwoCycle_IntentLifecycle drives the same two-cycle
// path as TestService_HappyPathTwoCycle and checks each intent moves
// active -> matched -> consumed alongside the cycle's own transitions.
func TestService_HappyPathTwoCycle_IntentLifecycle(t *testing.T) {
	h := newHarness(t, false)
	alice := model.ActorRef{Type: model.ActorUser, ID: "alice"}
	bob := model.ActorRef{Type: model.ActorUser, ID: "bob"}
	now := time.Now()
	h.store.With(func(tx *store.Tx) {
		tx.PutIntent(model.SwapIntent{ID: "intent-a", Actor: alice, Status: model.IntentActive, CreatedAt: now, UpdatedAt: now})
		tx.PutIntent(model.SwapIntent{ID: "intent-b", Actor: bob, Status: model.IntentActive, CreatedAt: now, UpdatedAt: now})
	})

	aliceDeposit := h.svc.VaultDeposit(serviceActor("user", "alice"), "", service.VaultDepositRequest{
		OwnerType: "user", OwnerID: "alice", AssetID: "asset-a",
	})
	require.True(t, aliceDeposit.OK)
	aliceHolding := aliceDeposit.Body["holding"].(model.VaultHolding)

	bobDeposit := h.svc.VaultDeposit(serviceActor("user", "bob"), "", service.VaultDepositRequest{
		OwnerType: "user", OwnerID: "bob", AssetID: "asset-b",
	})
	require.True(t, bobDeposit.OK)
	bobHolding := bobDeposit.Body["holding"].(model.VaultHolding)

	proposal := twoLegProposal()
	accept := h.svc.CycleProposalsAccept(serviceActor("user", "alice"), "", service.CycleProposalsAcceptRequest{Proposal: proposal})
	require.True(t, accept.OK)

	var intentA, intentB model.SwapIntent
	h.store.With(func(tx *store.Tx) {
		intentA, _ = tx.GetIntent("intent-a")
		intentB, _ = tx.GetIntent("intent-b")
	})
	assert.Equal(t, model.IntentMatched, intentA.Status)
	assert.Equal(t, model.IntentMatched, intentB.Status)

	start := h.svc.SettlementStart(serviceActor("admin", "ops"), service.SettlementStartRequest{
		Proposal: proposal, DepositDeadline: time.Now().Add(time.Hour),
	})
	require.True(t, start.OK)

	confirmA := h.svc.SettlementConfirmDeposit(serviceActor("user", "alice"), service.SettlementConfirmDepositRequest{
		CycleID: "cycle-1", IntentID: "intent-a", HoldingID: aliceHolding.HoldingID, DepositRef: "dep-a",
	})
	require.True(t, confirmA.OK)

	confirmB := h.svc.SettlementConfirmDeposit(serviceActor("user", "bob"), service.SettlementConfirmDepositRequest{
		CycleID: "cycle-1", IntentID: "intent-b", HoldingID: bobHolding.HoldingID, DepositRef: "dep-b",
	})
	require.True(t, confirmB.OK)

	execute := h.svc.SettlementExecute(serviceActor("admin", "ops"), service.SettlementExecuteRequest{CycleID: "cycle-1"})
	require.True(t, execute.OK)

	h.store.With(func(tx *store.Tx) {
		intentA, _ = tx.GetIntent("intent-a")
		intentB, _ = tx.GetIntent("intent-b")
	})
	assert.Equal(t, model.IntentConsumed, intentA.Status)
	assert.Equal(t, model.IntentConsumed, intentB.Status)
}

func TestService_SettlementConfirmDeposit_RejectsWrongActor(t *testing.T) {
	h := newHarness(t, false)
	alice := model.ActorRef{Type: model.ActorUser, ID: "alice"}
	bob := model.ActorRef{Type: model.ActorUser, ID: "bob"}
	now := time.Now()
	h.store.With(func(tx *store.Tx) {
		tx.PutIntent(model.SwapIntent{ID: "intent-a", Actor: alice, Status: model.IntentActive, CreatedAt: now, UpdatedAt: now})
		tx.PutIntent(model.SwapIntent{ID: "intent-b", Actor: bob, Status: model.IntentActive, CreatedAt: now, UpdatedAt: now})
	})

	aliceDeposit := h.svc.VaultDeposit(serviceActor("user", "alice"), "", service.VaultDepositRequest{
		OwnerType: "user", OwnerID: "alice", AssetID: "asset-a",
	})
	require.True(t, aliceDeposit.OK)
	aliceHolding := aliceDeposit.Body["holding"].(model.VaultHolding)

	proposal := twoLegProposal()
	accept := h.svc.CycleProposalsAccept(serviceActor("user", "alice"), "", service.CycleProposalsAcceptRequest{Proposal: proposal})
	require.True(t, accept.OK)

	start := h.svc.SettlementStart(serviceActor("admin", "ops"), service.SettlementStartRequest{
		Proposal: proposal, DepositDeadline: time.Now().Add(time.Hour),
	})
	require.True(t, start.OK)

	confirm := h.svc.SettlementConfirmDeposit(serviceActor("user", "bob"), service.SettlementConfirmDepositRequest{
		CycleID: "cycle-1", IntentID: "intent-a", HoldingID: aliceHolding.HoldingID, DepositRef: "dep-a",
	})
	require.False(t, confirm.OK)
	assert.Equal(t, errs.CodeForbidden, confirm.Error.Code)
}

func buildSignedEvent(keys *crypto.KeyRing, eventID string) model.EventEnvelope {
	env := model.EventEnvelope{
		EventID:       eventID,
		Type:          "test.event",
		CorrelationID: "corr-1",
		Actor:         model.ActorRef{Type: model.ActorService, ID: "svc"},
		Payload:       map[string]interface{}{"x": 1},
	}
	sig, _ := keys.Sign(env.SignablePayload())
	env.Signature = sig
	return env
}

func TestService_VaultSnapshot_ProveAndVerifyInclusion(t *testing.T) {
	h := newHarness(t, false)
	deposit := h.svc.VaultDeposit(serviceActor("user", "alice"), "", service.VaultDepositRequest{
		OwnerType: "user", OwnerID: "alice", AssetID: "asset-a",
	})
	require.True(t, deposit.OK)
	holding := deposit.Body["holding"].(model.VaultHolding)

	snapResp := h.svc.VaultSnapshot(serviceActor("admin", "ops"), service.VaultSnapshotRequest{})
	require.True(t, snapResp.OK)
	snap := snapResp.Body["snapshot"].(struct {
		VaultID string `json:"vault_id"`
		Root    string `json:"merkle_root"`
	})
	require.NotEmpty(t, snap.Root)

	proofResp := h.svc.VaultProveInclusion(serviceActor("admin", "ops"), service.VaultProveInclusionRequest{
		MerkleRoot: snap.Root, HoldingID: holding.HoldingID,
	})
	require.True(t, proofResp.OK)

	verifyResp := h.svc.VaultVerifyInclusion(serviceActor("admin", "ops"), service.VaultVerifyInclusionRequest{
		Proof:        proofResp.Body["proof"].(merkle.InclusionProof),
		ExpectedRoot: snap.Root,
	})
	require.True(t, verifyResp.OK)
	assert.Equal(t, true, verifyResp.Body["valid"])
}

func TestService_WebhookIngest_AcceptsThenDedupes(t *testing.T) {
	h := newHarness(t, false)
	keys := crypto.NewKeyRing()
	require.NoError(t, keys.GenerateKey("k1"))
	env := buildSignedEvent(keys, "evt-1")

	req := service.WebhookIngestRequest{Event: env, Verifier: keys}
	first := h.svc.WebhookIngest(serviceActor("service", "svc"), req)
	require.True(t, first.OK)
	assert.Equal(t, true, first.Body["accepted"])
	assert.Equal(t, false, first.Body["duplicate"])

	second := h.svc.WebhookIngest(serviceActor("service", "svc"), req)
	require.True(t, second.OK)
	assert.Equal(t, true, second.Body["duplicate"])
}

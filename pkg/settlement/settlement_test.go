package settlement_test

import (
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swapforge/core/pkg/crypto"
	"github.com/swapforge/core/pkg/errs"
	"github.com/swapforge/core/pkg/model"
	"github.com/swapforge/core/pkg/outbox"
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

func twoLegProposal() model.CycleProposal {
	a := model.ActorRef{Type: model.ActorUser, ID: "alice"}
	b := model.ActorRef{Type: model.ActorUser, ID: "bob"}
	return model.CycleProposal{
		ID:           "cycle-1",
		Participants: []model.ActorRef{a, b},
		Legs: []model.Leg{
			{FromActor: a, ToActor: b, IntentID: "intent-a", AssetID: "asset-a"},
			{FromActor: b, ToActor: a, IntentID: "intent-b", AssetID: "asset-b"},
		},
	}
}

func newEngine(t *testing.T) (*settlement.Engine, *vault.Vault, *store.Store) {
	t.Helper()
	s := store.New()
	v := vault.New("v1", s, seqIDs("h"))
	keys := crypto.NewKeyRing()
	require.NoError(t, keys.GenerateKey("k1"))
	ob := outbox.New(keys, seqIDs("evt"))
	eng := settlement.New(s, v, keys, ob, seqIDs("receipt"))
	return eng, v, s
}

func TestSettlement_HappyPathTwoCycle(t *testing.T) {
	eng, v, s := newEngine(t)
	proposal := twoLegProposal()
	deadline := time.Now().Add(time.Hour)

	tl, cerr := eng.Begin(proposal, deadline)
	require.Nil(t, cerr)
	assert.Equal(t, model.StateEscrowPending, tl.State)

	alice := model.ActorRef{Type: model.ActorUser, ID: "alice"}
	bob := model.ActorRef{Type: model.ActorUser, ID: "bob"}
	ha, _ := v.Deposit(alice, "asset-a")
	hb, _ := v.Deposit(bob, "asset-b")

	tl, cerr = eng.ConfirmDeposit(proposal.ID, "intent-a", ha.HoldingID, "dep-a")
	require.Nil(t, cerr)
	assert.Equal(t, model.StateEscrowPending, tl.State)

	tl, cerr = eng.ConfirmDeposit(proposal.ID, "intent-b", hb.HoldingID, "dep-b")
	require.Nil(t, cerr)
	assert.Equal(t, model.StateEscrowReady, tl.State)

	receipt, cerr := eng.Execute(proposal.ID)
	require.Nil(t, cerr)
	assert.Equal(t, model.ReceiptCompleted, receipt.FinalState)
	assert.ElementsMatch(t, []string{"intent-a", "intent-b"}, receipt.IntentIDs)
	assert.NotEmpty(t, receipt.Signature.Sig)

	haAfter, _ := v.Get(ha.HoldingID)
	assert.Equal(t, model.HoldingWithdrawn, haAfter.Status)

	assert.GreaterOrEqual(t, s.Journal("events").Len(), 4)
	assert.Equal(t, 1, s.Journal("receipts").Len())
}

func TestSettlement_DepositReplayIsNoOp(t *testing.T) {
	eng, v, _ := newEngine(t)
	proposal := twoLegProposal()
	_, cerr := eng.Begin(proposal, time.Now().Add(time.Hour))
	require.Nil(t, cerr)

	alice := model.ActorRef{Type: model.ActorUser, ID: "alice"}
	ha, _ := v.Deposit(alice, "asset-a")

	_, cerr = eng.ConfirmDeposit(proposal.ID, "intent-a", ha.HoldingID, "dep-a")
	require.Nil(t, cerr)

	tl, cerr := eng.ConfirmDeposit(proposal.ID, "intent-a", ha.HoldingID, "dep-a")
	require.Nil(t, cerr)
	assert.Equal(t, model.LegDeposited, tl.LegByIntent("intent-a").Status)
}

func TestSettlement_DepositRefMismatchConflicts(t *testing.T) {
	eng, v, _ := newEngine(t)
	proposal := twoLegProposal()
	_, cerr := eng.Begin(proposal, time.Now().Add(time.Hour))
	require.Nil(t, cerr)

	alice := model.ActorRef{Type: model.ActorUser, ID: "alice"}
	ha, _ := v.Deposit(alice, "asset-a")
	_, cerr = eng.ConfirmDeposit(proposal.ID, "intent-a", ha.HoldingID, "dep-a")
	require.Nil(t, cerr)

	_, cerr = eng.ConfirmDeposit(proposal.ID, "intent-a", ha.HoldingID, "dep-a-different")
	require.NotNil(t, cerr)
	assert.Equal(t, errs.CodeIdempotencyConflict, cerr.Code)
}

func TestSettlement_ExecuteBeforeReadyFails(t *testing.T) {
	eng, _, _ := newEngine(t)
	proposal := twoLegProposal()
	_, cerr := eng.Begin(proposal, time.Now().Add(time.Hour))
	require.Nil(t, cerr)

	_, cerr = eng.Execute(proposal.ID)
	require.NotNil(t, cerr)
	assert.Equal(t, errs.CodeInvalidStateTransition, cerr.Code)
}

func TestSettlement_ThreeCycleExpiry(t *testing.T) {
	eng, v, _ := newEngine(t)
	a := model.ActorRef{Type: model.ActorUser, ID: "a"}
	b := model.ActorRef{Type: model.ActorUser, ID: "b"}
	c := model.ActorRef{Type: model.ActorUser, ID: "c"}
	proposal := model.CycleProposal{
		ID:           "cycle-3",
		Participants: []model.ActorRef{a, b, c},
		Legs: []model.Leg{
			{FromActor: a, ToActor: b, IntentID: "ia", AssetID: "asset-a"},
			{FromActor: b, ToActor: c, IntentID: "ib", AssetID: "asset-b"},
			{FromActor: c, ToActor: a, IntentID: "ic", AssetID: "asset-c"},
		},
	}
	deadline := time.Now().Add(time.Minute)
	_, cerr := eng.Begin(proposal, deadline)
	require.Nil(t, cerr)

	ha, _ := v.Deposit(a, "asset-a")
	_, cerr = eng.ConfirmDeposit(proposal.ID, "ia", ha.HoldingID, "dep-a")
	require.Nil(t, cerr)
	// b and c never deposit.

	tl, cerr := eng.Expire(proposal.ID, deadline.Add(time.Second))
	require.Nil(t, cerr)
	assert.Equal(t, model.StateExpired, tl.State)

	haAfter, _ := v.Get(ha.HoldingID)
	assert.Equal(t, model.HoldingDeposited, haAfter.Status, "deposited holding must be released back, not left reserved")
}

func TestSettlement_ExpireBeforeDeadlineFails(t *testing.T) {
	eng, _, _ := newEngine(t)
	proposal := twoLegProposal()
	deadline := time.Now().Add(time.Hour)
	_, cerr := eng.Begin(proposal, deadline)
	require.Nil(t, cerr)

	_, cerr = eng.Expire(proposal.ID, time.Now())
	require.NotNil(t, cerr)
	assert.Equal(t, "deadline_not_reached", cerr.Details["reason_code"])
}

func TestSettlement_TerminalStateRejectsFurtherTransitions(t *testing.T) {
	eng, v, _ := newEngine(t)
	proposal := twoLegProposal()
	_, cerr := eng.Begin(proposal, time.Now().Add(time.Hour))
	require.Nil(t, cerr)

	alice := model.ActorRef{Type: model.ActorUser, ID: "alice"}
	bob := model.ActorRef{Type: model.ActorUser, ID: "bob"}
	ha, _ := v.Deposit(alice, "asset-a")
	hb, _ := v.Deposit(bob, "asset-b")
	_, _ = eng.ConfirmDeposit(proposal.ID, "intent-a", ha.HoldingID, "dep-a")
	_, _ = eng.ConfirmDeposit(proposal.ID, "intent-b", hb.HoldingID, "dep-b")
	_, cerr = eng.Execute(proposal.ID)
	require.Nil(t, cerr)

	cerr = eng.Fail(proposal.ID, "late_attempt")
	require.NotNil(t, cerr)
	assert.Equal(t, "settlement_terminal", cerr.Details["reason_code"])
}

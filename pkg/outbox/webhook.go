package outbox

import (
	"github.com/swapforge/core/pkg/crypto"
	"github.com/swapforge/core/pkg/errs"
	"github.com/swapforge/core/pkg/idempotency"
	"github.com/swapforge/core/pkg/model"
	"github.com/swapforge/core/pkg/store"
)

// IngestWebhook verifies and dedupes one inbound partner event. Signature
// verification runs first and unconditionally: a forged retry of a real
// event_id must fail before the dedup registry is ever consulted, or a
// single forged delivery could poison the seen set and permanently block
// the legitimate one.
//
// accepted reports whether the event is now recorded (true on both first
// ingestion and a legitimate replay); replayed distinguishes the two.
func IngestWebhook(tx *store.Tx, verifier *crypto.KeyRing, env model.EventEnvelope) (accepted, replayed bool, cerr *errs.Error) {
	result := verifier.Verify(env.SignablePayload(), env.Signature)
	if !result.OK {
		return false, false, errs.Newf(errs.CodeSignatureInvalid, "webhook event failed signature verification", result.Error)
	}

	scopeKey := idempotency.ScopeKey("webhook.ingest", env.EventID, env.Actor.String())
	found, isReplay, _, checkErr := tx.CheckIdempotent(scopeKey, env)
	if checkErr != nil {
		return false, false, checkErr
	}
	if found {
		return true, isReplay, nil
	}

	if err := tx.CommitIdempotent(scopeKey, env, map[string]interface{}{"event_id": env.EventID}); err != nil {
		return false, false, errs.New(errs.CodeInternal, "failed to record webhook ingestion")
	}
	if _, err := tx.Journal("inbox").Append(env.EventID, env); err != nil {
		return false, false, errs.New(errs.CodeInternal, "failed to journal inbound webhook event")
	}
	return true, false, nil
}

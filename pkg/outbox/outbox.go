// Package outbox implements §4.10: signed, deduplicated event envelopes
// published alongside whatever state change produced them, plus inbound
// webhook ingestion hardened against replay and forged retries.
package outbox

import (
	"fmt"
	"time"

	"github.com/swapforge/core/pkg/crypto"
	"github.com/swapforge/core/pkg/model"
	"github.com/swapforge/core/pkg/store"
)

// Outbox mints and signs outbound event envelopes.
type Outbox struct {
	keys  *crypto.KeyRing
	clock func() time.Time
	newID func() string
}

// New builds an Outbox. newID mints event IDs.
func New(keys *crypto.KeyRing, newID func() string) *Outbox {
	return &Outbox{keys: keys, clock: time.Now, newID: newID}
}

// WithClock overrides the outbox's time source for deterministic tests.
func (o *Outbox) WithClock(clock func() time.Time) *Outbox {
	o.clock = clock
	return o
}

// Publish builds a signed event envelope and appends it to tx's "events"
// journal. Call this from inside a store.With closure alongside the state
// change it reports, so the event can never be observed without its
// triggering mutation having already landed.
func (o *Outbox) Publish(tx *store.Tx, eventType, correlationID string, actor model.ActorRef, payload interface{}) (model.EventEnvelope, error) {
	env := model.EventEnvelope{
		EventID:       o.newID(),
		Type:          eventType,
		OccurredAt:    o.clock(),
		CorrelationID: correlationID,
		Actor:         actor,
		Payload:       payload,
	}
	sig, err := o.keys.Sign(env.SignablePayload())
	if err != nil {
		return model.EventEnvelope{}, fmt.Errorf("outbox: sign event: %w", err)
	}
	env.Signature = sig
	if _, err := tx.Journal("events").Append(env.EventID, env); err != nil {
		return model.EventEnvelope{}, fmt.Errorf("outbox: append event: %w", err)
	}
	return env, nil
}

package delegation

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/swapforge/core/pkg/model"
)

// claims is the JWT envelope carrying a DelegationGrant. The grant's window
// is mirrored into the registered nbf/exp claims for standard JWT readers;
// Introspect parses with claims validation disabled and checks the window
// against the grant itself, so it can tell not_yet_valid from expired.
type claims struct {
	jwt.RegisteredClaims
	Grant model.DelegationGrant `json:"grant"`
}

// Issuer signs and introspects delegation tokens against a KeySet.
type Issuer struct {
	keys *KeySet
}

// NewIssuer binds an Issuer to a KeySet.
func NewIssuer(keys *KeySet) *Issuer {
	return &Issuer{keys: keys}
}

// Issue signs grant and returns the bearer token string.
func (iss *Issuer) Issue(grant model.DelegationGrant) (string, error) {
	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   grant.DelegateActor.String(),
			NotBefore: jwt.NewNumericDate(grant.NotBefore),
			ExpiresAt: jwt.NewNumericDate(grant.ExpiresAt),
		},
		Grant: grant,
	}
	return iss.keys.sign(c)
}

// IntrospectReason narrows why a token is inactive, matching §4.11 exactly.
type IntrospectReason string

const (
	ReasonOK            IntrospectReason = "ok"
	ReasonExpired       IntrospectReason = "expired"
	ReasonRevoked       IntrospectReason = "revoked"
	ReasonUnknownKeyID  IntrospectReason = "unknown_key_id"
	ReasonKeyRevoked    IntrospectReason = "key_revoked"
	ReasonBadSignature  IntrospectReason = "bad_signature"
	ReasonNotYetValid   IntrospectReason = "not_yet_valid"
)

// Introspection is the result of checking a token's validity at a point in
// time, independent of whatever the store currently says about the grant
// (RevocationChecker supplies that).
type Introspection struct {
	Active bool
	Reason IntrospectReason
	Grant  model.DelegationGrant
}

// RevocationChecker reports whether a previously-issued grant has since
// been revoked at the store level (distinct from key revocation).
type RevocationChecker func(delegationID string) (revokedAt *time.Time)

// Introspect verifies token against the key set and the grant's own
// validity window, then asks checkRevoked whether the grant itself was
// revoked after issuance.
func (iss *Issuer) Introspect(token string, now time.Time, checkRevoked RevocationChecker) Introspection {
	var c claims
	parsed, err := jwt.ParseWithClaims(token, &c, iss.keys.keyFunc(), jwt.WithoutClaimsValidation())
	if err != nil {
		var kfe *keyFuncError
		if errors.As(err, &kfe) {
			switch kfe.reason {
			case "unknown_key_id":
				return Introspection{Reason: ReasonUnknownKeyID}
			case "revoked":
				return Introspection{Reason: ReasonKeyRevoked}
			}
		}
		return Introspection{Reason: ReasonBadSignature}
	}
	if !parsed.Valid {
		return Introspection{Reason: ReasonBadSignature}
	}

	grant := c.Grant
	if grant.RevokedAt != nil {
		return Introspection{Reason: ReasonRevoked, Grant: grant}
	}
	if checkRevoked != nil {
		if revokedAt := checkRevoked(grant.DelegationID); revokedAt != nil {
			grant.RevokedAt = revokedAt
			return Introspection{Reason: ReasonRevoked, Grant: grant}
		}
	}
	if now.Before(grant.NotBefore) {
		return Introspection{Reason: ReasonNotYetValid, Grant: grant}
	}
	if now.After(grant.ExpiresAt) {
		return Introspection{Reason: ReasonExpired, Grant: grant}
	}
	return Introspection{Active: true, Reason: ReasonOK, Grant: grant}
}

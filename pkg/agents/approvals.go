package agents

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Approval token errors.
var (
	ErrTokenInvalid  = errors.New("agents: approval token invalid")
	ErrTokenMismatch = errors.New("agents: approval token intent mismatch")
)

// ApprovalClaims is the JWT payload of a human approval token. A token
// binds one approver to one intent for a limited time, so an approval
// captured for intent A can never be replayed against intent B.
type ApprovalClaims struct {
	IntentID string `json:"intent_id"`
	Approver string `json:"approver"`
	jwt.RegisteredClaims
}

// ApprovalVerifier issues and verifies signed approval tokens.
type ApprovalVerifier struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewApprovalVerifier builds a verifier over a shared HMAC secret.
func NewApprovalVerifier(secret []byte, ttl time.Duration) *ApprovalVerifier {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &ApprovalVerifier{secret: secret, ttl: ttl, now: time.Now}
}

// Issue mints a signed approval token for one intent.
func (v *ApprovalVerifier) Issue(intentID, approver string) (string, error) {
	now := v.now().UTC()
	claims := ApprovalClaims{
		IntentID: intentID,
		Approver: approver,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   approver,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(v.ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}

// Verify checks one token against an intent and returns the approver.
func (v *ApprovalVerifier) Verify(tokenString, intentID string) (string, error) {
	var claims ApprovalClaims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	}, jwt.WithTimeFunc(v.now))
	if err != nil || !token.Valid {
		return "", fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	if claims.IntentID != intentID {
		return "", ErrTokenMismatch
	}
	return claims.Approver, nil
}

// CountValid verifies a batch of tokens for an intent and returns the
// number of distinct approvers. Invalid tokens are skipped, not fatal:
// the count feeds the dual-approval rule, which fails closed anyway.
func (v *ApprovalVerifier) CountValid(tokens []string, intentID string) (int, error) {
	seen := map[string]bool{}
	for _, t := range tokens {
		approver, err := v.Verify(t, intentID)
		if err != nil {
			continue
		}
		seen[approver] = true
	}
	return len(seen), nil
}

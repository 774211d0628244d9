// Package auth authenticates API requests with keyed principals.
// Keys come from CONVERGE_API_KEYS as key:role:actor[:tenant[:scopes]]
// entries; the key field is either a plaintext secret (matched by
// SHA-256 digest) or a bcrypt hash so plaintext never has to sit in
// the environment. Roles form a strict hierarchy: viewer < operator <
// admin.
package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"os"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// Roles in ascending privilege order.
const (
	RoleViewer   = "viewer"
	RoleOperator = "operator"
	RoleAdmin    = "admin"
)

var roleRank = map[string]int{RoleViewer: 0, RoleOperator: 1, RoleAdmin: 2}

// Auth errors.
var (
	ErrUnauthorized   = errors.New("auth: unauthorized")
	ErrForbidden      = errors.New("auth: forbidden")
	ErrTenantRequired = errors.New("auth: tenant_id required")
)

// Principal is the authenticated caller.
type Principal struct {
	Actor     string `json:"actor"`
	Role      string `json:"role"`
	TenantID  string `json:"tenant_id,omitempty"`
	Scopes    string `json:"scopes,omitempty"`
	KeyPrefix string `json:"key_prefix,omitempty"`
}

// Allows reports whether the principal's role meets the minimum.
func (p Principal) Allows(minRole string) bool {
	rank, ok := roleRank[p.Role]
	if !ok {
		return false
	}
	need, ok := roleRank[minRole]
	if !ok {
		return false
	}
	return rank >= need
}

type keyEntry struct {
	bcryptHash string // set when the configured key is a bcrypt hash
	principal  Principal
}

// Registry holds the configured API keys.
type Registry struct {
	bySHA    map[string]Principal
	byBcrypt []keyEntry
	required bool
}

// LoadRegistry parses CONVERGE_API_KEYS. Authentication is required
// unless CONVERGE_AUTH_REQUIRED=0.
func LoadRegistry() *Registry {
	return NewRegistry(os.Getenv("CONVERGE_API_KEYS"),
		os.Getenv("CONVERGE_AUTH_REQUIRED") != "0")
}

// NewRegistry parses a key spec: comma-separated
// key:role:actor[:tenant[:scopes]] entries. Malformed entries are
// skipped.
func NewRegistry(spec string, required bool) *Registry {
	r := &Registry{bySHA: map[string]Principal{}, required: required}
	for _, entry := range strings.Split(spec, ",") {
		parts := strings.Split(strings.TrimSpace(entry), ":")
		if len(parts) < 3 {
			continue
		}
		key := parts[0]
		p := Principal{Role: parts[1], Actor: parts[2]}
		if len(parts) > 3 {
			p.TenantID = parts[3]
		}
		if len(parts) > 4 {
			p.Scopes = parts[4]
		}
		if strings.HasPrefix(key, "$2") {
			// bcrypt hashes start with the $2 version marker.
			r.byBcrypt = append(r.byBcrypt, keyEntry{bcryptHash: key, principal: p})
			continue
		}
		if len(key) >= 4 {
			p.KeyPrefix = key[:4]
		}
		r.bySHA[hashKey(key)] = p
	}
	return r
}

// Required reports whether requests must authenticate.
func (r *Registry) Required() bool { return r.required }

// Authenticate resolves an API key to its principal. When auth is not
// required, an anonymous admin is returned so local tooling keeps
// working.
func (r *Registry) Authenticate(apiKey string) (Principal, error) {
	if !r.required {
		return Principal{Role: RoleAdmin, Actor: "anonymous"}, nil
	}
	if apiKey == "" {
		return Principal{}, ErrUnauthorized
	}
	if p, ok := r.bySHA[hashKey(apiKey)]; ok {
		return p, nil
	}
	for _, e := range r.byBcrypt {
		if bcrypt.CompareHashAndPassword([]byte(e.bcryptHash), []byte(apiKey)) == nil {
			return e.principal, nil
		}
	}
	return Principal{}, ErrUnauthorized
}

// Authorize authenticates and checks the role floor in one step.
func (r *Registry) Authorize(apiKey, minRole string) (Principal, error) {
	p, err := r.Authenticate(apiKey)
	if err != nil {
		return Principal{}, err
	}
	if !p.Allows(minRole) {
		return Principal{}, ErrForbidden
	}
	return p, nil
}

// HashKey bcrypt-hashes a plaintext key for storage in the key spec.
func HashKey(apiKey string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(apiKey), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}

// EnforceTenant resolves the effective tenant for a request. A
// principal bound to a tenant can only reach its own data unless it is
// an admin.
func EnforceTenant(requested string, p Principal) (string, error) {
	tid := requested
	if tid == "" {
		tid = p.TenantID
	}
	if tid == "" {
		return "", ErrTenantRequired
	}
	if p.TenantID != "" && tid != p.TenantID && p.Role != RoleAdmin {
		return "", ErrForbidden
	}
	return tid, nil
}

func hashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

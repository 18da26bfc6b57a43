package server

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"

	"github.com/fleetcore/fleetcore/internal/fleeterr"
	"github.com/fleetcore/fleetcore/internal/identity"
)

// AgentType distinguishes a team lead from a regular worker at auth time.
type AgentType string

const (
	AgentTeamLead AgentType = "team-lead"
	AgentWorker   AgentType = "worker"
)

// Identity is the authenticated caller recovered from a bearer token.
type Identity struct {
	UID       identity.UID      `json:"uid"`
	Handle    identity.Handle   `json:"handle"`
	TeamName  identity.TeamName `json:"teamName"`
	AgentType AgentType         `json:"agentType"`
	ExpiresAt int64             `json:"exp"`
}

// TokenIssuer mints and verifies HMAC-signed bearer tokens. The token is
// base64(claims JSON) + "." + hex(HMAC-SHA256(secret, claims)), which is
// enough for a single-issuer server that is also the only verifier.
type TokenIssuer struct {
	secret []byte
	ttl    time.Duration
}

// NewTokenIssuer builds an issuer over secret with token lifetime ttl.
func NewTokenIssuer(secret string, ttl time.Duration) *TokenIssuer {
	return &TokenIssuer{secret: []byte(secret), ttl: ttl}
}

// Issue mints a token for the given identity.
func (t *TokenIssuer) Issue(id Identity) (string, error) {
	id.ExpiresAt = time.Now().Add(t.ttl).Unix()
	claims, err := json.Marshal(id)
	if err != nil {
		return "", err
	}
	payload := base64.RawURLEncoding.EncodeToString(claims)
	return payload + "." + t.sign(claims), nil
}

// Verify checks a token's signature and expiry and returns its identity.
func (t *TokenIssuer) Verify(token string) (*Identity, error) {
	payload, sig, ok := strings.Cut(token, ".")
	if !ok {
		return nil, fleeterr.Unauthorized("malformed token")
	}
	claims, err := base64.RawURLEncoding.DecodeString(payload)
	if err != nil {
		return nil, fleeterr.Unauthorized("malformed token")
	}
	if !hmac.Equal([]byte(t.sign(claims)), []byte(sig)) {
		return nil, fleeterr.Unauthorized("invalid token signature")
	}
	var id Identity
	if err := json.Unmarshal(claims, &id); err != nil {
		return nil, fleeterr.Unauthorized("malformed token claims")
	}
	if time.Now().Unix() > id.ExpiresAt {
		return nil, fleeterr.Unauthorized("token expired")
	}
	return &id, nil
}

func (t *TokenIssuer) sign(claims []byte) string {
	mac := hmac.New(sha256.New, t.secret)
	mac.Write(claims)
	return hex.EncodeToString(mac.Sum(nil))
}

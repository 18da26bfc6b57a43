package server

import (
	"strings"
	"testing"
	"time"

	"github.com/fleetcore/fleetcore/internal/identity"
)

func TestTokenRoundTrip(t *testing.T) {
	issuer := NewTokenIssuer("secret", time.Hour)
	token, err := issuer.Issue(Identity{
		UID:       identity.UID("abc123"),
		Handle:    identity.Handle("alice"),
		TeamName:  identity.TeamName("core"),
		AgentType: AgentWorker,
	})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	id, err := issuer.Verify(token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if id.Handle != "alice" || id.TeamName != "core" || id.AgentType != AgentWorker {
		t.Errorf("claims round-trip mismatch: %+v", id)
	}
}

func TestTokenTamperRejected(t *testing.T) {
	issuer := NewTokenIssuer("secret", time.Hour)
	token, _ := issuer.Issue(Identity{UID: "u", Handle: "alice", TeamName: "core", AgentType: AgentWorker})

	// Flip a character in the signature half.
	i := strings.LastIndex(token, ".")
	tampered := token[:i+1] + "00" + token[i+3:]
	if _, err := issuer.Verify(tampered); err == nil {
		t.Error("tampered signature should not verify")
	}

	other := NewTokenIssuer("different-secret", time.Hour)
	if _, err := other.Verify(token); err == nil {
		t.Error("token should not verify under a different secret")
	}

	if _, err := issuer.Verify("no-dot-here"); err == nil {
		t.Error("malformed token should not verify")
	}
}

func TestTokenExpiry(t *testing.T) {
	issuer := NewTokenIssuer("secret", -time.Minute)
	token, _ := issuer.Issue(Identity{UID: "u", Handle: "alice", TeamName: "core", AgentType: AgentWorker})
	if _, err := issuer.Verify(token); err == nil {
		t.Error("expired token should not verify")
	}
}

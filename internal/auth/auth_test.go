package auth

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestIssueAndVerify(t *testing.T) {
	v := NewVerifier("s3cret", "ride-coordination")
	tok, err := v.Issue(Identity{UserID: "u1", Admin: true}, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	id, err := v.Verify(tok)
	if err != nil {
		t.Fatal(err)
	}
	if id.UserID != "u1" || !id.Admin {
		t.Fatalf("identity = %+v", id)
	}
}

func TestVerifyRejectsWrongSecretAndExpired(t *testing.T) {
	tok, _ := NewVerifier("a", "").Issue(Identity{UserID: "u1"}, time.Minute)
	if _, err := NewVerifier("b", "").Verify(tok); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("wrong secret accepted: %v", err)
	}
	expired, _ := NewVerifier("a", "").Issue(Identity{UserID: "u1"}, -time.Minute)
	if _, err := NewVerifier("a", "").Verify(expired); err == nil {
		t.Fatalf("expired token accepted")
	}
}

func TestCanManage(t *testing.T) {
	if !(Identity{UserID: "c"}).CanManage("c") {
		t.Fatal("creator can manage")
	}
	if (Identity{UserID: "x"}).CanManage("c") {
		t.Fatal("stranger cannot manage")
	}
	if !(Identity{UserID: "x", Admin: true}).CanManage("c") {
		t.Fatal("admin can manage")
	}
}

func TestContextRoundTrip(t *testing.T) {
	ctx := WithIdentity(context.Background(), Identity{UserID: "u1"})
	if id, ok := FromContext(ctx); !ok || id.UserID != "u1" {
		t.Fatalf("FromContext = %+v,%v", id, ok)
	}
	if _, ok := FromContext(context.Background()); ok {
		t.Fatal("empty context has no identity")
	}
}

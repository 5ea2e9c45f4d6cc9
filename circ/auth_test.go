package circ

import "testing"

func TestSetPasswordAndVerify(t *testing.T) {
	store := tempStore(t)
	auth := NewAuthenticator(store)

	if err := auth.SetPassword("alice", "hunter2"); err != nil {
		t.Fatalf("set password: %v", err)
	}
	if err := auth.Verify("alice", "hunter2"); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if err := auth.Verify("alice", "wrong"); err == nil {
		t.Fatalf("wrong password accepted")
	}
	if err := auth.Verify("mallory", "hunter2"); err == nil {
		t.Fatalf("unknown user accepted")
	}
}

func TestSetPasswordReplacesOld(t *testing.T) {
	store := tempStore(t)
	auth := NewAuthenticator(store)

	if err := auth.SetPassword("alice", "first-pass"); err != nil {
		t.Fatalf("set password: %v", err)
	}
	if err := auth.SetPassword("alice", "second-pass"); err != nil {
		t.Fatalf("replace password: %v", err)
	}
	if err := auth.Verify("alice", "first-pass"); err == nil {
		t.Fatalf("old password still works")
	}
	if err := auth.Verify("alice", "second-pass"); err != nil {
		t.Fatalf("new password rejected: %v", err)
	}
}

func TestSetPasswordRejectsTooShort(t *testing.T) {
	store := tempStore(t)
	auth := NewAuthenticator(store)

	if err := auth.SetPassword("alice", "abc"); err == nil {
		t.Fatalf("short password accepted")
	}
}

package auth

import "testing"

func TestSingleDeviceLoginEvictsPriorConnection(t *testing.T) {
	r := New()
	r.Authenticate(1, "u1", "tok-a")

	evicted, ok := r.Authenticate(2, "u1", "tok-b")
	if !ok || evicted != 1 {
		t.Fatalf("expected conn 1 to be evicted, got (%d, %v)", evicted, ok)
	}
	if r.IsAuthenticated(1) {
		t.Fatalf("conn 1 should no longer be authenticated")
	}
	conn, ok := r.LookupByIdentity("u1")
	if !ok || conn != 2 {
		t.Fatalf("lookup_by_identity(u1) = (%d, %v), want (2, true)", conn, ok)
	}
}

func TestReauthenticateSameConnDoesNotEvict(t *testing.T) {
	r := New()
	r.Authenticate(1, "u1", "tok-a")
	_, evicted := r.Authenticate(1, "u1", "tok-b")
	if evicted {
		t.Fatalf("re-authenticating the same (conn, identity) pair must not evict")
	}
	info, ok := r.Info(1)
	if !ok || info.Token != "tok-b" {
		t.Fatalf("expected refreshed token, got %+v", info)
	}
}

func TestDeauthenticateRemovesBothMappings(t *testing.T) {
	r := New()
	r.Authenticate(1, "u1", "tok")
	r.Deauthenticate(1)
	if r.IsAuthenticated(1) {
		t.Fatalf("expected conn 1 to be unauthenticated")
	}
	if _, ok := r.LookupByIdentity("u1"); ok {
		t.Fatalf("expected identity mapping to be removed")
	}
}

func TestSnapshotCount(t *testing.T) {
	r := New()
	r.Authenticate(1, "u1", "tok")
	r.Authenticate(2, "u2", "tok")
	if got := r.SnapshotCount(); got != 2 {
		t.Fatalf("snapshot_count() = %d, want 2", got)
	}
}

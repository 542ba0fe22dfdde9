package store

import (
	"bytes"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func openMemory(t *testing.T) *DB {
	t.Helper()
	db, err := Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestOpenMemory(t *testing.T) {
	db := openMemory(t)
	if err := db.Ping(); err != nil {
		t.Fatal(err)
	}
}

func TestTrustOnFirstUse(t *testing.T) {
	db := openMemory(t)
	fp := bytes.Repeat([]byte{0xab}, 32)

	p, err := db.Peer("alice")
	if err != nil || p != nil {
		t.Fatalf("unknown peer: %+v %v", p, err)
	}
	if err := db.Trust("alice", fp); err != nil {
		t.Fatal(err)
	}
	if err := db.Trust("alice", fp); err != nil {
		t.Fatal("same fingerprint must be accepted:", err)
	}
	p, err = db.Peer("alice")
	if err != nil || p == nil {
		t.Fatal("Peer alice", err)
	}
	if !bytes.Equal(p.Fingerprint, fp) || p.Handshakes != 2 {
		t.Fatalf("peer mismatch: %+v", p)
	}

	other := bytes.Repeat([]byte{0xcd}, 32)
	if err := db.Trust("alice", other); !errors.Is(err, ErrFingerprintChanged) {
		t.Fatalf("changed fingerprint: got %v", err)
	}
	if err := db.Forget("alice"); err != nil {
		t.Fatal(err)
	}
	if err := db.Trust("alice", other); err != nil {
		t.Fatal("after Forget:", err)
	}
}

func TestListPeers(t *testing.T) {
	db := openMemory(t)
	for _, n := range []string{"bob", "alice"} {
		if err := db.Trust(n, []byte(n)); err != nil {
			t.Fatal(err)
		}
	}
	peers, err := db.ListPeers()
	if err != nil {
		t.Fatal(err)
	}
	if len(peers) != 2 || peers[0].Name != "alice" || peers[1].Name != "bob" {
		t.Fatalf("ListPeers: %+v", peers)
	}
}

func TestSessions(t *testing.T) {
	db := openMemory(t)
	if err := db.Trust("alice", []byte{1}); err != nil {
		t.Fatal(err)
	}
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, errText := range []string{"", "handshake failed"} {
		_, err := db.RecordSession(Session{
			Peer:         "alice",
			LinkID:       "link",
			Started:      start.Add(time.Duration(i) * time.Hour),
			Ended:        start.Add(time.Duration(i)*time.Hour + time.Minute),
			MessagesSent: uint64(10 + i),
			Err:          errText,
		})
		if err != nil {
			t.Fatal(err)
		}
	}
	got, err := db.Sessions("alice", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("want 2 sessions, got %d", len(got))
	}
	if got[0].Err != "handshake failed" || got[0].MessagesSent != 11 || got[1].Err != "" {
		t.Fatalf("newest first: %+v", got)
	}
	if !got[1].Started.Equal(start) {
		t.Fatalf("started: %v", got[1].Started)
	}

	if _, err := db.RecordSession(Session{Peer: "nobody", Started: start, Ended: start}); err == nil {
		t.Fatal("session for unknown peer must fail")
	}
	if err := db.Forget("alice"); err != nil {
		t.Fatal(err)
	}
	if got, _ := db.Sessions("alice", 0); len(got) != 0 {
		t.Fatal("sessions must go with the peer")
	}
}

func TestOpenFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "peers.db")
	db, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := db.Trust("carol", []byte{9}); err != nil {
		t.Fatal(err)
	}
	db.Close()

	db, err = Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	p, err := db.Peer("carol")
	if err != nil || p == nil {
		t.Fatal("persisted peer missing", err)
	}
}

package main

import (
	"bytes"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dev.c0redev.seclink/internal/certs"
	"dev.c0redev.seclink/internal/store"
)

func openPeers(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "peers.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestPeersCommandListAndForget(t *testing.T) {
	db := openPeers(t)
	fp := bytes.Repeat([]byte{0xab}, 32)
	require.NoError(t, db.Trust("alice", fp))

	var out bytes.Buffer
	require.NoError(t, peersCommand(db, nil, &out))
	assert.Contains(t, out.String(), "alice")
	assert.Contains(t, out.String(), certs.Words(fp))

	out.Reset()
	require.NoError(t, peersCommand(db, []string{"forget", "alice"}, &out))
	assert.Equal(t, "forgot alice\n", out.String())
	p, err := db.Peer("alice")
	require.NoError(t, err)
	assert.Nil(t, p)

	assert.Error(t, peersCommand(db, []string{"forget", "alice"}, &out))
}

func TestPeersCommandSessions(t *testing.T) {
	db := openPeers(t)
	require.NoError(t, db.Trust("bob", bytes.Repeat([]byte{1}, 32)))
	started := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	_, err := db.RecordSession(store.Session{
		Peer:              "bob",
		LinkID:            "link-1",
		Started:           started,
		Ended:             started.Add(90 * time.Second),
		MessagesSent:      7,
		MessagesAbandoned: 2,
		Err:               "boom",
	})
	require.NoError(t, err)

	var out bytes.Buffer
	require.NoError(t, peersCommand(db, []string{"sessions", "bob"}, &out))
	assert.Contains(t, out.String(), "2026-03-01T12:00:00Z")
	assert.Contains(t, out.String(), "1m30s")
	assert.Contains(t, out.String(), "boom")
}

func TestPeersCommandUsage(t *testing.T) {
	db := openPeers(t)
	for _, args := range [][]string{{"sessions"}, {"forget"}, {"bogus"}} {
		err := peersCommand(db, args, &bytes.Buffer{})
		require.Error(t, err, args)
		assert.Contains(t, err.Error(), "usage")
	}
}

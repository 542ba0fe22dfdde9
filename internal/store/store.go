// Package store keeps the peers this node has talked to: the certificate
// fingerprint first seen under each peer name, and a log of past sessions.
package store

import (
	"crypto/subtle"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// ErrFingerprintChanged: a known peer presented a different certificate.
var ErrFingerprintChanged = errors.New("store: peer fingerprint changed")

// DB wraps sqlite.
type DB struct {
	*sql.DB
}

// Open opens db at path, runs migrations.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}
	// One writer; also keeps ":memory:" a single database.
	db.SetMaxOpenConns(1)
	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return &DB{db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS peers (
			name TEXT PRIMARY KEY,
			fingerprint TEXT NOT NULL,
			first_seen_at TEXT NOT NULL,
			last_seen_at TEXT NOT NULL,
			handshakes INTEGER NOT NULL DEFAULT 0
		);
		CREATE TABLE IF NOT EXISTS sessions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			peer TEXT NOT NULL REFERENCES peers(name) ON DELETE CASCADE,
			link_id TEXT NOT NULL,
			started_at TEXT NOT NULL,
			ended_at TEXT NOT NULL,
			messages_sent INTEGER NOT NULL,
			messages_delivered INTEGER NOT NULL,
			messages_dropped INTEGER NOT NULL,
			messages_abandoned INTEGER NOT NULL,
			error TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_sessions_peer ON sessions(peer, started_at);
	`)
	return err
}

// Peer is a remembered peer identity.
type Peer struct {
	Name        string
	Fingerprint []byte
	FirstSeen   time.Time
	LastSeen    time.Time
	Handshakes  int64
}

// Peer returns the peer named name or nil.
func (db *DB) Peer(name string) (*Peer, error) {
	var p Peer
	var fp, first, last string
	err := db.QueryRow("SELECT name, fingerprint, first_seen_at, last_seen_at, handshakes FROM peers WHERE name = ?", name).
		Scan(&p.Name, &fp, &first, &last, &p.Handshakes)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if p.Fingerprint, err = hex.DecodeString(fp); err != nil {
		return nil, fmt.Errorf("store: peer %q: %w", name, err)
	}
	p.FirstSeen, _ = time.Parse(time.RFC3339, first)
	p.LastSeen, _ = time.Parse(time.RFC3339, last)
	return &p, nil
}

// Trust records fp for name on first sight and accepts it afterwards only
// if unchanged. Every accepted call counts one handshake.
func (db *DB) Trust(name string, fp []byte) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now().UTC().Format(time.RFC3339)
	var known string
	err = tx.QueryRow("SELECT fingerprint FROM peers WHERE name = ?", name).Scan(&known)
	switch {
	case err == sql.ErrNoRows:
		_, err = tx.Exec("INSERT INTO peers (name, fingerprint, first_seen_at, last_seen_at, handshakes) VALUES (?, ?, ?, ?, 1)",
			name, hex.EncodeToString(fp), now, now)
	case err != nil:
		return err
	default:
		want, derr := hex.DecodeString(known)
		if derr != nil || subtle.ConstantTimeCompare(want, fp) != 1 {
			return fmt.Errorf("%w: %s", ErrFingerprintChanged, name)
		}
		_, err = tx.Exec("UPDATE peers SET last_seen_at = ?, handshakes = handshakes + 1 WHERE name = ?", now, name)
	}
	if err != nil {
		return err
	}
	return tx.Commit()
}

// Forget deletes name and its sessions, so the next Trust starts over.
func (db *DB) Forget(name string) error {
	_, err := db.Exec("DELETE FROM peers WHERE name = ?", name)
	return err
}

// ListPeers returns every known peer by name.
func (db *DB) ListPeers() ([]Peer, error) {
	rows, err := db.Query("SELECT name FROM peers ORDER BY name")
	if err != nil {
		return nil, err
	}
	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			rows.Close()
			return nil, err
		}
		names = append(names, n)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	out := make([]Peer, 0, len(names))
	for _, n := range names {
		p, err := db.Peer(n)
		if err != nil {
			return nil, err
		}
		if p != nil {
			out = append(out, *p)
		}
	}
	return out, nil
}

// Session is one finished secure link with a known peer.
type Session struct {
	ID                int64
	Peer              string
	LinkID            string
	Started, Ended    time.Time
	MessagesSent      uint64
	MessagesDelivered uint64
	MessagesDropped   uint64
	MessagesAbandoned uint64
	// Err is the fatal error that ended the link, empty when clean.
	Err string
}

// RecordSession appends s; the peer must be known.
func (db *DB) RecordSession(s Session) (int64, error) {
	var errText any
	if s.Err != "" {
		errText = s.Err
	}
	res, err := db.Exec(`INSERT INTO sessions (peer, link_id, started_at, ended_at,
			messages_sent, messages_delivered, messages_dropped, messages_abandoned, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.Peer, s.LinkID, s.Started.UTC().Format(time.RFC3339Nano), s.Ended.UTC().Format(time.RFC3339Nano),
		int64(s.MessagesSent), int64(s.MessagesDelivered), int64(s.MessagesDropped), int64(s.MessagesAbandoned), errText)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// Sessions returns up to limit sessions with peer, newest first.
func (db *DB) Sessions(peer string, limit int) ([]Session, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`SELECT id, peer, link_id, started_at, ended_at,
			messages_sent, messages_delivered, messages_dropped, messages_abandoned, error
		FROM sessions WHERE peer = ? ORDER BY started_at DESC, id DESC LIMIT ?`, peer, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Session
	for rows.Next() {
		var s Session
		var started, ended string
		var sent, delivered, dropped, abandoned int64
		var errText sql.NullString
		if err := rows.Scan(&s.ID, &s.Peer, &s.LinkID, &started, &ended,
			&sent, &delivered, &dropped, &abandoned, &errText); err != nil {
			return nil, err
		}
		s.Started, _ = time.Parse(time.RFC3339Nano, started)
		s.Ended, _ = time.Parse(time.RFC3339Nano, ended)
		s.MessagesSent, s.MessagesDelivered = uint64(sent), uint64(delivered)
		s.MessagesDropped, s.MessagesAbandoned = uint64(dropped), uint64(abandoned)
		s.Err = errText.String
		out = append(out, s)
	}
	return out, rows.Err()
}

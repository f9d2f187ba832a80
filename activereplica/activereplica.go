// Copyright 2025 Outreach Corporation. All Rights Reserved.

// Description:

// Package activereplica:
package activereplica

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/anarchoredis/replicore/protocol"
	"github.com/google/uuid"
)

// MaxNesting bounds how deep a chain of RREPLAY-replayed commands may
// re-enter propagation before it's treated as a runaway loop between
// peers and cancelled.
const MaxNesting = 64

// SameUUID reports whether a and b are the same identity, with the
// nil/all-zero UUID never considered equal to anything (including
// itself) — a nil UUID means "no known origin", not "every command".
func SameUUID(a, b uuid.UUID) bool {
	if a == uuid.Nil || b == uuid.Nil {
		return false
	}
	return a == b
}

// Wrap builds the RREPLAY(originator, command, db, mvcc) envelope used
// to propagate a write to active-replica peers: "RREPLAY
// <originator-uuid> <inner-command-bytes> [<dbid> <mvcc>]". The inner
// command is passed pre-encoded, exactly as it would be sent to a
// plain follower, so peers can unwrap it without re-parsing argument
// boundaries.
func Wrap(originator uuid.UUID, inner []byte, db int, mvcc uint64) *protocol.Message {
	return protocol.NewOutgoingCommand(
		"RREPLAY",
		originator.String(),
		string(inner),
		strconv.Itoa(db),
		strconv.FormatUint(mvcc, 10),
	)
}

// Envelope is a parsed RREPLAY wrapper.
type Envelope struct {
	Originator uuid.UUID
	Inner      []byte
	DB         int
	MVCC       uint64
}

// Unwrap parses a decoded RREPLAY command's arguments (everything
// after the command name) into an Envelope. DB and MVCC are optional
// sidecars; their absence leaves them at zero.
func Unwrap(args []string) (*Envelope, error) {
	if len(args) < 2 {
		return nil, fmt.Errorf("activereplica: RREPLAY needs at least uuid and command, got %d args", len(args))
	}
	id, err := uuid.Parse(args[0])
	if err != nil {
		return nil, fmt.Errorf("activereplica: bad originator uuid: %w", err)
	}
	env := &Envelope{Originator: id, Inner: []byte(args[1])}

	if len(args) >= 3 {
		db, err := strconv.Atoi(args[2])
		if err != nil {
			return nil, fmt.Errorf("activereplica: bad database id: %w", err)
		}
		env.DB = db
	}
	if len(args) >= 4 {
		mvcc, err := strconv.ParseUint(args[3], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("activereplica: bad mvcc timestamp: %w", err)
		}
		env.MVCC = mvcc
	}
	return env, nil
}

// NestState tracks re-entrancy of RREPLAY replay on a single
// connection, so a loop of peers replaying each other's commands
// cannot recurse unboundedly. It is not safe for concurrent use by
// itself — callers keep one per connection, matching the teacher's
// per-connection state convention.
type NestState struct {
	nesting   int
	cancelled bool
}

// Push enters one level of replay nesting. It returns false, and marks
// the state cancelled, if nesting would overflow MaxNesting.
func (s *NestState) Push() bool {
	if s.nesting == MaxNesting {
		s.cancelled = true
		return false
	}
	if s.nesting == 0 {
		s.cancelled = false
	}
	s.nesting++
	return true
}

// Pop exits one level of replay nesting.
func (s *NestState) Pop() {
	if s.nesting > 0 {
		s.nesting--
	}
}

// Cancel marks the current replay chain as cancelled, e.g. because the
// envelope failed validation or looped back to its own originator.
func (s *NestState) Cancel() { s.cancelled = true }

// Cancelled reports whether the current replay chain was cancelled.
func (s *NestState) Cancelled() bool { return s.cancelled }

// First reports whether the current Push is the outermost (top-level)
// replay in this chain.
func (s *NestState) First() bool { return s.nesting == 1 }

// StaleKeys tracks, per database, keys that existed locally but were
// absent from a just-received snapshot, queued for explicit DEL
// propagation to this instance's own followers once the snapshot load
// completes.
type StaleKeys struct {
	byDB map[int]map[string]struct{}
}

// NewStaleKeys builds an empty stale-key tracker.
func NewStaleKeys() *StaleKeys {
	return &StaleKeys{byDB: make(map[int]map[string]struct{})}
}

// Mark records key as stale in db.
func (s *StaleKeys) Mark(db int, key string) {
	set, ok := s.byDB[db]
	if !ok {
		set = make(map[string]struct{})
		s.byDB[db] = set
	}
	set[key] = struct{}{}
}

// Drain returns and clears all tracked stale keys, keyed by database.
func (s *StaleKeys) Drain() map[int][]string {
	if len(s.byDB) == 0 {
		return nil
	}
	out := make(map[int][]string, len(s.byDB))
	for db, keys := range s.byDB {
		if len(keys) == 0 {
			continue
		}
		list := make([]string, 0, len(keys))
		for k := range keys {
			list = append(list, k)
		}
		out[db] = list
	}
	s.byDB = make(map[int]map[string]struct{})
	return out
}

// DelCommands renders drained stale keys as a DEL command per key,
// matching propagateMasterStaleKeys's one-DEL-per-key fan-out.
func DelCommands(keys []string) []*protocol.Message {
	out := make([]*protocol.Message, len(keys))
	for i, k := range keys {
		out[i] = protocol.NewOutgoingCommand("DEL", k)
	}
	return out
}

// Identity formats a uuid.UUID the way the wire protocol expects: a
// lowercase, hyphenated 36-character string.
func Identity(id uuid.UUID) string { return strings.ToLower(id.String()) }

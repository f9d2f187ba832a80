// Copyright 2025 Outreach Corporation. All Rights Reserved.

// Description:

// Package fanout:
package fanout

import (
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"github.com/anarchoredis/replicore/activereplica"
	"github.com/anarchoredis/replicore/backlog"
	"github.com/anarchoredis/replicore/protocol"
	"github.com/google/uuid"
)

// Follower is the narrow interface fanout needs from a leader-side
// per-follower session: enough to enqueue bytes onto its output
// buffer and track which database its stream is currently selected
// against. The leader package's session type implements this.
type Follower interface {
	UUID() uuid.UUID
	Enqueue(data []byte) error
	SelectedDB() int
	SetSelectedDB(int)
	AddSkippedBytes(int64)
	Online() bool
}

// Fanout serializes each admitted write command into the leader's
// outgoing stream: appends it to the replication backlog and enqueues
// it onto every online follower, wrapping with RREPLAY when this
// instance runs in active-replica mode.
//
// Fanout embeds its own mutex, following the "struct embeds
// sync.Mutex" convention used for shared state throughout this core.
type Fanout struct {
	sync.Mutex

	Backlog   *backlog.Backlog
	followers map[uuid.UUID]Follower

	// selectedDB is the database currently selected on the shared
	// outgoing stream (backlog). A follower may lag behind this if it
	// attached mid-stream and hasn't yet been sent its own SELECT.
	selectedDB int

	// ActiveReplica, when true, wraps every propagated command in an
	// RREPLAY envelope carrying this instance's identity.
	ActiveReplica bool
	SelfUUID      uuid.UUID

	// UpstreamLeaders holds the identity_uuid of every leader this
	// instance itself follows. Relay consults it so a downstream
	// follower that happens to be one of this instance's own upstream
	// leaders (an active-replica mesh looping back on itself) never
	// gets its own leader's stream relayed back to it.
	UpstreamLeaders map[uuid.UUID]bool

	logger *slog.Logger
}

// New builds a Fanout over bl. selfUUID is this instance's own
// identity, used to tag RREPLAY envelopes when activeReplica is true.
func New(bl *backlog.Backlog, activeReplica bool, selfUUID uuid.UUID) *Fanout {
	return &Fanout{
		Backlog:         bl,
		followers:       make(map[uuid.UUID]Follower),
		selectedDB:      -1,
		ActiveReplica:   activeReplica,
		SelfUUID:        selfUUID,
		UpstreamLeaders: make(map[uuid.UUID]bool),
		logger:          slog.With("comp", "fanout"),
	}
}

// Attach registers a follower to receive future propagated commands.
func (f *Fanout) Attach(flw Follower) {
	f.Lock()
	defer f.Unlock()
	f.followers[flw.UUID()] = flw
}

// Detach removes a follower, e.g. on disconnect.
func (f *Fanout) Detach(id uuid.UUID) {
	f.Lock()
	defer f.Unlock()
	delete(f.followers, id)
}

// AddUpstreamLeader marks id as one of this instance's own upstream
// leaders, so Relay never forwards that leader's stream back to it.
func (f *Fanout) AddUpstreamLeader(id uuid.UUID) {
	f.Lock()
	defer f.Unlock()
	f.UpstreamLeaders[id] = true
}

// Followers returns a snapshot of currently attached followers.
func (f *Fanout) Followers() []Follower {
	f.Lock()
	defer f.Unlock()
	out := make([]Follower, 0, len(f.followers))
	for _, flw := range f.followers {
		out = append(out, flw)
	}
	return out
}

// Propagate admits one write command for database db, appends it to
// the backlog, and enqueues it onto every attached, online follower.
// originator is the identity that produced the command (this
// instance's own UUID for locally-issued writes, or the upstream
// peer's UUID for a command received via RREPLAY and being relayed
// further); it is only consulted when ActiveReplica is set.
func (f *Fanout) Propagate(db int, originator uuid.UUID, mvcc uint64, args ...string) error {
	if originator == uuid.Nil {
		originator = f.SelfUUID
	}

	inner, err := protocol.Encode(protocol.NewOutgoingCommand(args...))
	if err != nil {
		return fmt.Errorf("fanout: encoding command: %w", err)
	}

	f.Lock()
	defer f.Unlock()

	if f.Backlog == nil && len(f.followers) == 0 {
		return nil
	}

	var outer []byte
	if f.ActiveReplica {
		outer, err = protocol.Encode(activereplica.Wrap(originator, inner, db, mvcc))
		if err != nil {
			return fmt.Errorf("fanout: encoding RREPLAY envelope: %w", err)
		}
	} else {
		outer = inner
	}

	var sharedSelect []byte
	if f.selectedDB != db {
		sharedSelect, err = protocol.Encode(protocol.NewOutgoingCommand("SELECT", strconv.Itoa(db)))
		if err != nil {
			return fmt.Errorf("fanout: encoding SELECT: %w", err)
		}
		f.selectedDB = db
	}

	for _, flw := range f.followers {
		if !flw.Online() {
			continue
		}
		if f.ActiveReplica && activereplica.SameUUID(flw.UUID(), originator) {
			// this follower is where the command originated: don't
			// loop it back, but keep its ack offset translation
			// consistent with what we did append to the backlog.
			flw.AddSkippedBytes(int64(len(outer)))
			if sharedSelect != nil {
				flw.AddSkippedBytes(int64(len(sharedSelect)))
			}
			continue
		}

		if sharedSelect != nil {
			// the shared stream is changing database: every online
			// follower observes this SELECT, whether or not it had
			// already seen db before (it's part of the backlog now).
			if err := flw.Enqueue(sharedSelect); err != nil {
				f.logger.Warn("dropping follower after enqueue failure", "follower", flw.UUID(), "err", err)
				continue
			}
			flw.SetSelectedDB(db)
		} else if flw.SelectedDB() != db {
			// the shared stream is already on db, but this follower
			// attached mid-stream and never saw the SELECT that put it
			// there: give it a private one, not recorded in the
			// backlog since every other follower already has it.
			sel, err := protocol.Encode(protocol.NewOutgoingCommand("SELECT", strconv.Itoa(db)))
			if err != nil {
				return fmt.Errorf("fanout: encoding private SELECT: %w", err)
			}
			if err := flw.Enqueue(sel); err != nil {
				f.logger.Warn("dropping follower after enqueue failure", "follower", flw.UUID(), "err", err)
				continue
			}
			flw.SetSelectedDB(db)
		}

		if err := flw.Enqueue(outer); err != nil {
			f.logger.Warn("dropping follower after enqueue failure", "follower", flw.UUID(), "err", err)
		}
	}

	if sharedSelect != nil && f.Backlog != nil {
		f.Backlog.Append(sharedSelect)
	}
	if f.Backlog != nil {
		f.Backlog.Append(outer)
	}

	return nil
}

// Relay appends an already-encoded wire message, received verbatim
// from an upstream leader, to the backlog and to every attached,
// online follower other than this instance's own upstream leaders,
// without re-serializing it. A sub-replica passing its own
// leader's stream on to its own followers uses this instead of
// Propagate, which would otherwise re-wrap a command this instance
// did not originate.
func (f *Fanout) Relay(raw []byte) error {
	f.Lock()
	defer f.Unlock()

	for _, flw := range f.followers {
		if !flw.Online() {
			continue
		}
		if f.UpstreamLeaders[flw.UUID()] {
			// this follower is itself one of our own upstream leaders;
			// relaying its own stream back to it would be a loop.
			continue
		}
		if err := flw.Enqueue(raw); err != nil {
			f.logger.Warn("dropping follower after enqueue failure", "follower", flw.UUID(), "err", err)
		}
	}
	if f.Backlog != nil {
		f.Backlog.Append(raw)
	}
	return nil
}

// Copyright 2025 Outreach Corporation. All Rights Reserved.

// Description:

// Package leader:
package leader

import (
	"bytes"
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/anarchoredis/replicore/backlog"
	"github.com/anarchoredis/replicore/fanout"
	"github.com/anarchoredis/replicore/protocol"
	"github.com/anarchoredis/replicore/replid"
	"github.com/anarchoredis/replicore/store"
	"github.com/google/uuid"
)

// Leader coordinates every follower session attached to this
// instance: PSYNC admission (partial vs full resync), snapshot
// scheduling shared across followers waiting on the same BGSAVE, and
// handing finished sessions off to Fanout for online streaming.
//
// Leader embeds its own mutex, following the "struct embeds
// sync.Mutex" convention used for shared state throughout this core.
type Leader struct {
	sync.Mutex

	Registry *replid.Registry
	Backlog  *backlog.Backlog
	Fanout   *fanout.Fanout
	Engine   store.Engine

	// DisklessSync selects an EOF-delimited socket-streamed snapshot
	// target instead of a disk file, when the requesting follower's
	// capabilities include EOF.
	DisklessSync bool

	sessions map[uuid.UUID]*Session

	inflight *snapshot

	ackRequested bool

	logger *slog.Logger
}

// New builds a Leader around the given registry, backlog, fan-out,
// and storage engine.
func New(reg *replid.Registry, bl *backlog.Backlog, fo *fanout.Fanout, engine store.Engine) *Leader {
	return &Leader{
		Registry: reg,
		Backlog:  bl,
		Fanout:   fo,
		Engine:   engine,
		sessions: make(map[uuid.UUID]*Session),
		logger:   slog.With("comp", "leader"),
	}
}

// snapshot tracks one in-flight BGSAVE, shared across every follower
// whose WAIT_BGSAVE_START request arrived while it ran.
type snapshot struct {
	diskless bool
	capa     Capability // minimum capability every attached follower must meet to share this target
	waiters  []*Session
	done     chan struct{}
	payload  []byte
	err      error
}

// Attach registers sess once it has successfully completed SYNC/PSYNC
// negotiation, so it receives future fan-out traffic.
func (l *Leader) Attach(sess *Session) {
	l.Lock()
	l.sessions[sess.UUID()] = sess
	l.Unlock()
	l.Fanout.Attach(sess)
}

// Detach removes a disconnected or timed-out session.
func (l *Leader) Detach(id uuid.UUID) {
	l.Lock()
	delete(l.sessions, id)
	l.Unlock()
	l.Fanout.Detach(id)
}

// Sessions returns a snapshot of currently tracked sessions.
func (l *Leader) Sessions() []*Session {
	l.Lock()
	defer l.Unlock()
	out := make([]*Session, 0, len(l.sessions))
	for _, s := range l.sessions {
		out = append(out, s)
	}
	return out
}

// PSYNCResult is the outcome of a PSYNC admission decision.
type PSYNCResult struct {
	// Partial is true when a +CONTINUE reply was chosen.
	Partial bool
	Reply   *protocol.Message
	// Backfill holds the exact backlog bytes to stream immediately
	// after Reply, for a partial resync. Empty for a full resync (the
	// caller must schedule a snapshot).
	Backfill []byte
}

// HandlePSYNC decides between partial and full resynchronization for
// sess's request and updates sess.State accordingly. On full resync it
// does not itself run the snapshot; the caller follows up with
// ScheduleSnapshot.
func (l *Leader) HandlePSYNC(sess *Session, requestedID string, offset int64) (*PSYNCResult, error) {
	if requestedID != "?" && l.Registry.Accepts(requestedID, offset) {
		first, last := l.Backlog.Window()
		if offset >= first && offset <= last+1 {
			var backfill []byte
			if offset <= last {
				var err error
				backfill, err = l.Backlog.Slice(offset)
				if err != nil {
					return nil, fmt.Errorf("leader: slicing backlog for accepted partial resync: %w", err)
				}
			}
			sess.Lock()
			sess.State = Online
			sess.Unlock()

			reply := protocol.NewSimpleString("CONTINUE " + l.Registry.Primary().String())
			return &PSYNCResult{Partial: true, Reply: reply, Backfill: backfill}, nil
		}
	}

	sess.Lock()
	sess.State = WaitBgsaveStart
	sess.selectedDB = -1 // force SELECT re-emission once streaming starts
	sess.Unlock()

	reply := protocol.NewSimpleString(
		fmt.Sprintf("FULLRESYNC %s %d", l.Registry.Primary().String(), l.Backlog.Offset()))
	return &PSYNCResult{Partial: false, Reply: reply}, nil
}

// ScheduleSnapshot decides whether sess can attach to an already
// in-flight BGSAVE, or must wait for/trigger a new one, per §4.4's
// disk/diskless sharing rules. ctx bounds how long the snapshot itself
// may take.
func (l *Leader) ScheduleSnapshot(ctx context.Context, sess *Session) error {
	l.Lock()

	wantDiskless := l.DisklessSync && sess.Capabilities.Has(CapaEOF)

	if l.inflight != nil && l.inflight.diskless == wantDiskless && sess.Capabilities.Has(l.inflight.capa) {
		snap := l.inflight
		snap.waiters = append(snap.waiters, sess)
		sess.Lock()
		sess.State = WaitBgsaveEnd
		sess.PsyncInitialOffset = l.Backlog.Offset()
		sess.Unlock()
		l.Unlock()
		<-snap.done
		return l.deliver(sess, snap)
	}

	snap := &snapshot{diskless: wantDiskless, capa: sess.Capabilities, waiters: []*Session{sess}, done: make(chan struct{})}
	l.inflight = snap
	sess.Lock()
	sess.State = WaitBgsaveEnd
	sess.PsyncInitialOffset = l.Backlog.Offset()
	sess.Unlock()
	l.Unlock()

	go l.runSnapshot(ctx, snap)

	<-snap.done
	return l.deliver(sess, snap)
}

func (l *Leader) runSnapshot(ctx context.Context, snap *snapshot) {
	var buf bytes.Buffer
	err := l.Engine.TakeSnapshot(ctx, &buf)

	l.Lock()
	snap.payload = buf.Bytes()
	snap.err = err
	if l.inflight == snap {
		l.inflight = nil
	}
	l.Unlock()

	close(snap.done)
}

func (l *Leader) deliver(sess *Session, snap *snapshot) error {
	if snap.err != nil {
		sess.Lock()
		sess.State = WaitBgsaveStart
		sess.Unlock()
		return fmt.Errorf("leader: snapshot build failed: %w", snap.err)
	}

	sess.Lock()
	sess.State = SendBulk
	sess.Unlock()

	var preamble []byte
	var trailer []byte
	if snap.diskless {
		marker, err := eofMarker()
		if err != nil {
			return err
		}
		preamble = []byte(fmt.Sprintf("$EOF:%s\r\n", marker))
		trailer = []byte(marker)
	} else {
		preamble = []byte(fmt.Sprintf("$%d\r\n", len(snap.payload)))
	}

	if _, err := sess.Conn.WriteRaw(preamble); err != nil {
		return err
	}
	if _, err := sess.Conn.WriteRaw(snap.payload); err != nil {
		return err
	}
	if trailer != nil {
		if _, err := sess.Conn.WriteRaw(trailer); err != nil {
			return err
		}
	}
	if err := sess.Conn.Flush(); err != nil {
		return err
	}

	sess.Lock()
	sess.State = Online
	if snap.diskless {
		sess.PutOnlineOnAck = true
	}
	sess.selectedDB = -1
	sess.Unlock()

	l.Attach(sess)
	return nil
}

const eofMarkerLen = 40

func eofMarker() (string, error) {
	const hexset = "0123456789abcdef"
	buf := make([]byte, eofMarkerLen)
	raw := make([]byte, eofMarkerLen)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("leader: generating EOF marker: %w", err)
	}
	for i, b := range raw {
		buf[i] = hexset[int(b)%len(hexset)]
	}
	return string(buf), nil
}

// RequestAckOnNextTick marks that a WAIT call is blocked on fresher
// ACKs, so the tick's next pass should batch a GETACK round instead of
// every WAIT caller issuing its own.
func (l *Leader) RequestAckOnNextTick() {
	l.Lock()
	l.ackRequested = true
	l.Unlock()
}

// ConsumeAckRequest reports and clears whether a GETACK round was
// requested since the last tick.
func (l *Leader) ConsumeAckRequest() bool {
	l.Lock()
	defer l.Unlock()
	requested := l.ackRequested
	l.ackRequested = false
	return requested
}

// RequestAcks sends REPLCONF GETACK to every ONLINE session that
// supports PSYNC2 and isn't still waiting on its first ACK after a
// diskless transfer, batching the request the way replicationCron's
// replicationRequestAckFromSlaves does rather than issuing one GETACK
// per WAIT call.
func (l *Leader) RequestAcks() error {
	getack, err := protocol.Encode(protocol.NewOutgoingCommand("REPLCONF", "GETACK", "*"))
	if err != nil {
		return fmt.Errorf("leader: encoding getack: %w", err)
	}
	for _, sess := range l.Sessions() {
		sess.Lock()
		eligible := sess.State == Online && !sess.PutOnlineOnAck && sess.Capabilities.Has(CapaPSYNC2)
		sess.Unlock()
		if !eligible {
			continue
		}
		if err := sess.Enqueue(getack); err != nil {
			continue
		}
		_ = sess.Flush()
	}
	return nil
}

// GoodFollowerCount counts sessions whose lag, in bytes, is at most
// maxLag — the "good slaves count" tick refresh in §4.8.
func (l *Leader) GoodFollowerCount(maxLag int64) int {
	count := 0
	for _, sess := range l.Sessions() {
		if sess.State != Online {
			continue
		}
		if sess.Lag(l.Backlog.Offset()) <= maxLag {
			count++
		}
	}
	return count
}

// DisconnectTimedOut drops every ONLINE session whose last ACK is
// older than timeout, per the tick's replica-timeout rule.
func (l *Leader) DisconnectTimedOut(timeout time.Duration) []uuid.UUID {
	var dropped []uuid.UUID
	now := time.Now()
	for _, sess := range l.Sessions() {
		sess.Lock()
		stale := sess.State == Online && now.Sub(sess.AckTime) > timeout
		id := sess.id
		sess.Unlock()
		if stale {
			l.Detach(id)
			dropped = append(dropped, id)
		}
	}
	return dropped
}

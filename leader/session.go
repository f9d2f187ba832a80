// Copyright 2025 Outreach Corporation. All Rights Reserved.

// Description:

// Package leader:
package leader

import (
	"sync"
	"time"

	"github.com/anarchoredis/replicore/protocol"
	"github.com/google/uuid"
)

// State is a leader-side follower session's position in the SYNC/PSYNC
// state machine.
type State int

const (
	WaitBgsaveStart State = iota
	WaitBgsaveEnd
	SendBulk
	Online
)

func (s State) String() string {
	switch s {
	case WaitBgsaveStart:
		return "WAIT_BGSAVE_START"
	case WaitBgsaveEnd:
		return "WAIT_BGSAVE_END"
	case SendBulk:
		return "SEND_BULK"
	case Online:
		return "ONLINE"
	default:
		return "UNKNOWN"
	}
}

// Capability is a bitmask of features a follower declared via REPLCONF
// capa.
type Capability int

const (
	CapaEOF Capability = 1 << iota
	CapaPSYNC2
	CapaActiveExpire
)

// ParseCapability maps a single REPLCONF capa token to its bit, or 0
// for unrecognized tokens (which are silently ignored per spec).
func ParseCapability(tok string) Capability {
	switch tok {
	case "eof":
		return CapaEOF
	case "psync2":
		return CapaPSYNC2
	case "activeExpire":
		return CapaActiveExpire
	default:
		return 0
	}
}

// Has reports whether cap contains all bits of want.
func (c Capability) Has(want Capability) bool { return c&want == want }

// Session is the leader-side per-follower record: one per connected
// follower, from its SYNC/PSYNC request through snapshot transfer to
// online streaming.
//
// Session embeds its own mutex, matching the "struct embeds
// sync.Mutex" convention used for shared connection state throughout
// this core.
type Session struct {
	sync.Mutex

	id           uuid.UUID
	Conn         *protocol.Conn
	State        State
	Capabilities Capability

	// PsyncInitialOffset is the offset at the moment this session's
	// attached snapshot began; used to line up output buffers between
	// followers sharing the same BGSAVE.
	PsyncInitialOffset int64

	// AckOffset/AckTime/SkippedBytes track this follower's latest
	// REPLCONF ACK and the bytes it never received because they
	// originated from it (active-replica loop suppression).
	AckOffset    int64
	AckTime      time.Time
	SkippedBytes int64

	selectedDB int

	// PutOnlineOnAck marks a follower that finished a diskless
	// snapshot transfer: it is ONLINE but not yet considered writable
	// until its first REPLCONF ACK arrives.
	PutOnlineOnAck bool

	outbox [][]byte
}

// NewSession wraps conn as a fresh leader-side follower session,
// awaiting its SYNC/PSYNC request.
func NewSession(id uuid.UUID, conn *protocol.Conn) *Session {
	return &Session{
		id:         id,
		Conn:       conn,
		State:      WaitBgsaveStart,
		selectedDB: -1,
		AckTime:    time.Now(),
	}
}

// UUID implements fanout.Follower.
func (s *Session) UUID() uuid.UUID { return s.id }

// Enqueue implements fanout.Follower: it appends data to this
// session's outgoing buffer under the session lock. The actual socket
// write happens on the connection's own loop (see §5 cross-thread
// writes), driven by Flush.
func (s *Session) Enqueue(data []byte) error {
	s.Lock()
	defer s.Unlock()
	buf := make([]byte, len(data))
	copy(buf, data)
	s.outbox = append(s.outbox, buf)
	return nil
}

// Flush writes every buffered chunk to the connection and clears the
// outbox.
func (s *Session) Flush() error {
	s.Lock()
	pending := s.outbox
	s.outbox = nil
	s.Unlock()

	for _, chunk := range pending {
		if _, err := s.Conn.WriteRaw(chunk); err != nil {
			return err
		}
	}
	return s.Conn.Flush()
}

// SelectedDB implements fanout.Follower.
func (s *Session) SelectedDB() int {
	s.Lock()
	defer s.Unlock()
	return s.selectedDB
}

// SetSelectedDB implements fanout.Follower.
func (s *Session) SetSelectedDB(db int) {
	s.Lock()
	defer s.Unlock()
	s.selectedDB = db
}

// AddSkippedBytes implements fanout.Follower.
func (s *Session) AddSkippedBytes(n int64) {
	s.Lock()
	defer s.Unlock()
	s.SkippedBytes += n
}

// Online implements fanout.Follower: only a fully-online session that
// isn't waiting on its first ACK after a diskless transfer is eligible
// for fan-out.
func (s *Session) Online() bool {
	s.Lock()
	defer s.Unlock()
	return s.State == Online && !s.PutOnlineOnAck
}

// RecordAck updates the session's acknowledged offset monotonically
// (never moves backward, matching ordering guarantee (c) in §5) and
// clears PutOnlineOnAck on the first ACK after a diskless transfer.
func (s *Session) RecordAck(offset int64) {
	s.Lock()
	defer s.Unlock()
	if offset > s.AckOffset {
		s.AckOffset = offset
	}
	s.AckTime = time.Now()
	s.PutOnlineOnAck = false
}

// Lag reports how far behind masterReplOffset this session's last
// acknowledged offset is, accounting for bytes it was never sent due
// to loop suppression.
func (s *Session) Lag(masterReplOffset int64) int64 {
	s.Lock()
	defer s.Unlock()
	lag := masterReplOffset - (s.AckOffset + s.SkippedBytes)
	if lag < 0 {
		lag = 0
	}
	return lag
}

// Copyright 2025 Outreach Corporation. All Rights Reserved.

// Description:

// Package replid:
package replid

import (
	"crypto/rand"
	"log/slog"
	"sync"
)

// Size is the length, in hex characters, of a replication ID.
const Size = 40

const hexset = "0123456789abcdef"

// ID is a fixed-length hex replication identity.
type ID [Size]byte

// String renders id as its hex representation.
func (id ID) String() string { return string(id[:]) }

// IsZero reports whether id is the all-zero sentinel (never a valid ID,
// used to mean "no secondary").
func (id ID) IsZero() bool {
	for _, c := range id {
		if c != '0' {
			return false
		}
	}
	return true
}

func zeroID() ID {
	var id ID
	for i := range id {
		id[i] = '0'
	}
	return id
}

func newRandomID() ID {
	var id ID
	buf := make([]byte, Size)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failing means the platform has no entropy source;
		// there is nothing sane to do but degrade to a fixed pattern
		// rather than panic the replication core.
		for i := range buf {
			buf[i] = byte(i)
		}
	}
	for i, b := range buf {
		id[i] = hexset[int(b)%len(hexset)]
	}
	return id
}

// Registry holds a leader's replication identity: the primary ID
// currently being produced, and a secondary ID that remains valid up to
// a fixed offset, so followers who fell behind during a leader
// promotion can still partially resync against the old history.
//
// Registry embeds its own mutex, matching the "struct embeds
// sync.Mutex" shape used throughout this core for shared state.
type Registry struct {
	sync.Mutex

	primary ID

	secondary           ID
	secondaryValidUntil int64

	logger *slog.Logger
}

// New builds a Registry with a freshly drawn primary ID and no
// secondary.
func New() *Registry {
	r := &Registry{
		primary: newRandomID(),
		logger:  slog.With("comp", "replid"),
	}
	r.secondary = zeroID()
	r.secondaryValidUntil = -1
	return r
}

// Primary returns the current primary replication ID.
func (r *Registry) Primary() ID {
	r.Lock()
	defer r.Unlock()
	return r.primary
}

// Secondary returns the current secondary replication ID and the
// offset up to which it remains valid.
func (r *Registry) Secondary() (ID, int64) {
	r.Lock()
	defer r.Unlock()
	return r.secondary, r.secondaryValidUntil
}

// Accepts reports whether a PSYNC request for replid at offset may be
// served as a partial resync against this registry, independent of
// whether the offset actually falls within the backlog's retained
// window (that check belongs to the backlog).
func (r *Registry) Accepts(requested string, offset int64) bool {
	r.Lock()
	defer r.Unlock()
	if requested == r.primary.String() {
		return true
	}
	if !r.secondary.IsZero() && requested == r.secondary.String() && offset <= r.secondaryValidUntil {
		return true
	}
	return false
}

// RotatePrimary draws a fresh random primary ID. The tick calls it
// whenever it frees an idle backlog, since a freed backlog can no
// longer serve partial resyncs against the old history.
func (r *Registry) RotatePrimary() ID {
	r.Lock()
	defer r.Unlock()
	r.primary = newRandomID()
	r.logger.Info("rotated primary replication id", "replid", r.primary.String())
	return r.primary
}

// PromoteToLeader shifts the current primary ID into the secondary
// slot, valid up to masterReplOffset+1, then draws a new primary. A
// follower promoted to leader calls this so that followers which were
// mid-sync against the old leader can still PSYNC against this
// instance using the inherited history.
func (r *Registry) PromoteToLeader(masterReplOffset int64) (primary, secondary ID) {
	r.Lock()
	defer r.Unlock()
	r.secondary = r.primary
	r.secondaryValidUntil = masterReplOffset + 1
	r.primary = newRandomID()
	r.logger.Warn("setting secondary replication id", "replid2", r.secondary.String(),
		"valid_until", r.secondaryValidUntil, "replid", r.primary.String())
	return r.primary, r.secondary
}

// AdoptPrimary captures the current primary ID as secondary, valid up
// to validUntilOffset, then installs newID as the primary. A follower
// whose upstream leader handed it a new replid on PSYNC +CONTINUE uses
// this to mirror that identity rather than drawing its own, so a
// sub-replica attached downstream still sees continuous lineage.
func (r *Registry) AdoptPrimary(newID ID, validUntilOffset int64) ID {
	r.Lock()
	defer r.Unlock()
	r.secondary = r.primary
	r.secondaryValidUntil = validUntilOffset
	r.primary = newID
	r.logger.Info("adopted upstream replication id", "replid", r.primary.String(),
		"replid2", r.secondary.String(), "valid_until", r.secondaryValidUntil)
	return r.primary
}

// MergePrimary XOR-merges each hex nibble of the current primary ID
// with other's, in place. Two active-replica peers that both merge
// against each other's advertised ID converge on the same value,
// since nibble-XOR is commutative, associative, and involutive.
func (r *Registry) MergePrimary(other ID) ID {
	r.Lock()
	defer r.Unlock()
	for i := 0; i < Size; i++ {
		r.primary[i] = hexset[hexDigit(r.primary[i])^hexDigit(other[i])]
	}
	return r.primary
}

func hexDigit(ch byte) int {
	switch {
	case ch >= '0' && ch <= '9':
		return int(ch - '0')
	case ch >= 'a' && ch <= 'f':
		return int(ch-'a') + 10
	case ch >= 'A' && ch <= 'F':
		return int(ch-'A') + 10
	default:
		return 0
	}
}

// ClearSecondary invalidates the secondary ID. Called after a full
// resynchronization starts a new replication history.
func (r *Registry) ClearSecondary() {
	r.Lock()
	defer r.Unlock()
	r.secondary = zeroID()
	r.secondaryValidUntil = -1
}

// ParseID parses a hex string into an ID, zero-padding or truncating to
// Size as needed. Used when parsing a PSYNC replid argument or a peer's
// advertised replid off the wire.
func ParseID(s string) ID {
	var id ID
	z := zeroID()
	copy(id[:], z[:])
	n := len(s)
	if n > Size {
		n = Size
	}
	copy(id[:], s[:n])
	return id
}

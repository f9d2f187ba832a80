// Copyright 2025 Outreach Corporation. All Rights Reserved.

// Description:

// Package store:
package store

import (
	"context"
	"io"

	"github.com/anarchoredis/replicore/protocol"
)

// Engine is the narrow interface the leader and follower packages call
// through to reach the storage layer. The storage engine itself (key
// encoding, expiration, eviction, AOF) is out of scope for this core;
// Engine is the seam that keeps replication decoupled from it.
type Engine interface {
	// Apply executes a write command against the keyspace. It is
	// called both for locally-admitted writes and for commands
	// received from an upstream leader during streaming.
	Apply(ctx context.Context, cmd *protocol.Command) error

	// TakeSnapshot serializes the full current keyspace to w. It is
	// what a BGSAVE-equivalent calls to produce the bytes sent during
	// SEND_BULK.
	TakeSnapshot(ctx context.Context, w io.Writer) error

	// LoadSnapshot replaces the keyspace with the contents read from
	// r, as received during a follower's TRANSFER phase.
	LoadSnapshot(ctx context.Context, r io.Reader) error

	// Close releases any resources held by the engine.
	Close() error
}

// Copyright 2025 Outreach Corporation. All Rights Reserved.

// Description:

// Package store:
package store

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/anarchoredis/replicore/protocol"
	"github.com/dgraph-io/badger/v4"
)

// BadgerEngine is the default Engine, backed by a badger key-value
// store. TakeSnapshot/LoadSnapshot are badger's own backup/restore
// stream format, which already does exactly what a replication
// snapshot handoff needs: a single binary stream the other side can
// replay without understanding individual key encodings.
type BadgerEngine struct {
	DB     *badger.DB
	Logger *slog.Logger
}

// OpenBadgerEngine opens (or creates) a badger database at dir.
func OpenBadgerEngine(dir string) (*BadgerEngine, error) {
	opts := badger.DefaultOptions(dir)
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("store: opening badger at %q: %w", dir, err)
	}
	return &BadgerEngine{DB: db, Logger: slog.With("comp", "store")}, nil
}

// Apply executes a write command. Only the small subset of commands
// that have an obvious single-key mapping are handled directly; any
// other write command is ignored here, deferred to the real command
// dispatcher this core integrates with (see §6 of the storage engine
// interface this core assumes).
func (e *BadgerEngine) Apply(ctx context.Context, cmd *protocol.Command) error {
	switch cmd.Name {
	case "SET":
		if len(cmd.Args) < 2 {
			return fmt.Errorf("store: SET needs key and value")
		}
		return e.DB.Update(func(txn *badger.Txn) error {
			return txn.Set([]byte(cmd.Args[0]), []byte(cmd.Args[1]))
		})
	case "DEL", "UNLINK":
		return e.DB.Update(func(txn *badger.Txn) error {
			for _, key := range cmd.Args {
				if err := txn.Delete([]byte(key)); err != nil && err != badger.ErrKeyNotFound {
					return err
				}
			}
			return nil
		})
	case "FLUSHALL", "FLUSHDB":
		return e.DB.DropAll()
	case "SELECT", "PING", "REPLCONF":
		return nil
	default:
		e.Logger.Debug("apply: unhandled command", "name", cmd.Name)
		return nil
	}
}

// TakeSnapshot streams a badger backup to w: every key/value pair as
// of now, framed in badger's own versioned entry format.
func (e *BadgerEngine) TakeSnapshot(ctx context.Context, w io.Writer) error {
	_, err := e.DB.Backup(w, 0)
	if err != nil {
		return fmt.Errorf("store: taking snapshot: %w", err)
	}
	return nil
}

// LoadSnapshot replaces the keyspace with the backup stream read from
// r.
func (e *BadgerEngine) LoadSnapshot(ctx context.Context, r io.Reader) error {
	if err := e.DB.DropAll(); err != nil {
		return fmt.Errorf("store: clearing keyspace before load: %w", err)
	}
	if err := e.DB.Load(r, 256); err != nil {
		return fmt.Errorf("store: loading snapshot: %w", err)
	}
	return nil
}

// Close closes the underlying badger database.
func (e *BadgerEngine) Close() error { return e.DB.Close() }

// Get returns the value stored at key.
func (e *BadgerEngine) Get(key string) (string, error) {
	var val string
	err := e.DB.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		return item.Value(func(v []byte) error {
			val = string(v)
			return nil
		})
	})
	return val, err
}

// Copyright 2025 Outreach Corporation. All Rights Reserved.

// Description:

// Package tick:
package tick

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/anarchoredis/replicore/activereplica"
	"github.com/anarchoredis/replicore/backlog"
	"github.com/anarchoredis/replicore/fanout"
	"github.com/anarchoredis/replicore/follower"
	"github.com/anarchoredis/replicore/leader"
	"github.com/anarchoredis/replicore/protocol"
	"github.com/anarchoredis/replicore/replid"
	"github.com/sourcegraph/conc/pool"
)

// Config holds the tunables the once-per-second maintenance loop
// reads; each corresponds to a name from the original configuration
// surface this core's spec carries forward.
type Config struct {
	// ReplTimeout bounds how long an upstream leader connection may sit
	// in a handshake/transfer state, and how long since an ONLINE
	// downstream follower's last ACK, before the tick intervenes.
	ReplTimeout time.Duration

	// PingPeriod is how often idle followers get a PING to keep their
	// connections alive and their ack_time moving.
	PingPeriod time.Duration

	// BacklogTimeLimit is how long a leader with no followers keeps its
	// backlog before rotating its primary ID and freeing it.
	BacklogTimeLimit time.Duration

	// DisklessSyncDelay is how long the tick waits, once followers are
	// queued in WAIT_BGSAVE_START for a diskless sync, before kicking
	// off the BGSAVE, so late arrivals can still share the stream.
	DisklessSyncDelay time.Duration

	// MinSlavesMaxLag is the lag threshold, in bytes, under which a
	// follower counts toward the "good follower" count.
	MinSlavesMaxLag int64
}

// Runner drives one instance's maintenance tick: reconnecting upstream
// leaders, heartbeating and timing out downstream followers, backlog
// reclamation, BGSAVE kickoff, and stale-key flush.
//
// Runner embeds its own mutex, matching the "struct embeds sync.Mutex"
// convention used for shared state throughout this core.
type Runner struct {
	sync.Mutex

	Config

	Leader   *leader.Leader
	Fanout   *fanout.Fanout
	Registry *replid.Registry
	Backlog  *backlog.Backlog

	// Upstreams is the set of leader connections this instance itself
	// maintains as a follower (plain, or a follower with its own
	// downstream followers in the passthrough case).
	Upstreams []*follower.Follower

	StaleKeys *activereplica.StaleKeys

	idleSince     time.Time
	lastPing      time.Time
	goodFollowers int

	snapshotInFlight bool

	logger *slog.Logger
}

// New builds a Runner. Any of Leader/Fanout/Registry/Backlog/StaleKeys
// may be nil for an instance that doesn't play that role (a pure
// follower has no Leader; a pure leader has no Upstreams).
func New(cfg Config) *Runner {
	return &Runner{
		Config:    cfg,
		idleSince: time.Now(),
		logger:    slog.With("comp", "tick"),
	}
}

// Run calls Tick once per second until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.Tick(ctx)
		}
	}
}

// Tick runs one maintenance pass. It never returns an error: every
// step logs and continues rather than aborting the rest of the tick,
// matching replicationCron's "best effort every second" shape.
func (r *Runner) Tick(ctx context.Context) {
	p := pool.New().WithMaxGoroutines(8)

	p.Go(func() { r.tickUpstreams(ctx) })
	p.Go(func() { r.tickDownstreams() })
	p.Go(func() { r.tickBacklogReclamation() })
	p.Go(func() { r.tickSnapshotKickoff(ctx) })
	p.Go(func() { r.tickStaleKeys() })

	p.Wait()

	r.refreshGoodFollowers()
}

// tickUpstreams advances every upstream leader connection this
// instance maintains: reconnecting from CONNECT, resetting a stuck
// handshake/transfer, and sending REPLCONF ACK once CONNECTED.
func (r *Runner) tickUpstreams(ctx context.Context) {
	for _, f := range r.Upstreams {
		f := f
		switch {
		case f.State() == follower.Connect:
			go func() {
				if err := f.Connect(ctx); err != nil {
					r.logger.Debug("upstream connect attempt failed", "err", err)
					return
				}
				go func() {
					if err := f.Stream(ctx, r.Fanout); err != nil {
						r.logger.Debug("upstream stream ended", "err", err)
					}
				}()
			}()

		case follower.IsHandshakeState(f.State()):
			if r.ReplTimeout > 0 && time.Since(f.LastIO()) > r.ReplTimeout {
				r.logger.Warn("upstream handshake timed out, resetting")
				f.Reset()
			}

		case f.State() == follower.Connected:
			if err := f.SendAck(); err != nil {
				r.logger.Debug("sending ack to upstream failed", "err", err)
			}
		}
	}
}

// tickDownstreams heartbeats pre-sync followers, disconnects followers
// that have gone quiet past ReplTimeout, and fans out PING once
// PingPeriod has elapsed.
func (r *Runner) tickDownstreams() {
	if r.Leader == nil {
		return
	}

	for _, sess := range r.Leader.Sessions() {
		sess.Lock()
		presync := sess.State != leader.Online
		sess.Unlock()
		if presync {
			_ = sess.Enqueue([]byte("\n"))
			_ = sess.Flush()
		}
	}

	if r.ReplTimeout > 0 {
		dropped := r.Leader.DisconnectTimedOut(r.ReplTimeout)
		for _, id := range dropped {
			r.logger.Info("disconnecting timed out follower", "id", id)
		}
	}

	if r.Leader.ConsumeAckRequest() {
		if err := r.Leader.RequestAcks(); err != nil {
			r.logger.Warn("requesting acks failed", "err", err)
		}
	}

	if r.PingPeriod <= 0 {
		return
	}
	r.Lock()
	due := time.Since(r.lastPing) >= r.PingPeriod
	if due {
		r.lastPing = time.Now()
	}
	r.Unlock()
	if !due || r.Fanout == nil || len(r.Fanout.Followers()) == 0 {
		return
	}
	ping, err := protocol.Encode(protocol.NewOutgoingCommand("PING"))
	if err != nil {
		return
	}
	_ = r.Fanout.Relay(ping)
}

// tickBacklogReclamation rotates the primary ID and frees the backlog
// once a leader with no followers has sat idle past BacklogTimeLimit.
func (r *Runner) tickBacklogReclamation() {
	if r.Leader == nil || r.Backlog == nil || r.BacklogTimeLimit <= 0 {
		return
	}
	if len(r.Leader.Sessions()) > 0 || !r.Backlog.Active() {
		r.Lock()
		r.idleSince = time.Now()
		r.Unlock()
		return
	}

	r.Lock()
	idleFor := time.Since(r.idleSince)
	r.Unlock()
	if idleFor <= r.BacklogTimeLimit {
		return
	}

	r.Registry.RotatePrimary()
	r.Backlog.Free()
	r.logger.Info("backlog reclaimed after idle period", "idle_for", idleFor)
}

// tickSnapshotKickoff starts a BGSAVE for followers parked in
// WAIT_BGSAVE_START, once DisklessSyncDelay has given late arrivals a
// chance to queue up behind the same snapshot.
func (r *Runner) tickSnapshotKickoff(ctx context.Context) {
	if r.Leader == nil {
		return
	}

	r.Lock()
	inFlight := r.snapshotInFlight
	r.Unlock()
	if inFlight {
		return
	}

	var waiting []*leader.Session
	for _, sess := range r.Leader.Sessions() {
		sess.Lock()
		isWaiting := sess.State == leader.WaitBgsaveStart
		sess.Unlock()
		if isWaiting {
			waiting = append(waiting, sess)
		}
	}
	if len(waiting) == 0 {
		return
	}

	if r.Leader.DisklessSync && r.DisklessSyncDelay > 0 {
		time.Sleep(r.DisklessSyncDelay)
	}

	r.Lock()
	r.snapshotInFlight = true
	r.Unlock()

	snapshotPool := pool.New().WithErrors()
	for _, sess := range waiting {
		sess := sess
		snapshotPool.Go(func() error { return r.Leader.ScheduleSnapshot(ctx, sess) })
	}
	go func() {
		if err := snapshotPool.Wait(); err != nil {
			r.logger.Warn("snapshot delivery failed", "err", err)
		}
		r.Lock()
		r.snapshotInFlight = false
		r.Unlock()
	}()
}

// tickStaleKeys drains any active-replica stale-key markers queued
// since the last tick and fans out one DEL per key.
func (r *Runner) tickStaleKeys() {
	if r.StaleKeys == nil || r.Fanout == nil {
		return
	}
	drained := r.StaleKeys.Drain()
	for db, keys := range drained {
		if sel, err := protocol.Encode(protocol.NewOutgoingCommand("SELECT", strconv.Itoa(db))); err == nil {
			_ = r.Fanout.Relay(sel)
		}
		for _, cmd := range activereplica.DelCommands(keys) {
			if encoded, err := protocol.Encode(cmd); err == nil {
				_ = r.Fanout.Relay(encoded)
			}
		}
	}
}

// refreshGoodFollowers recomputes the count of followers whose lag is
// within MinSlavesMaxLag, read by WAIT and INFO.
func (r *Runner) refreshGoodFollowers() {
	if r.Leader == nil {
		return
	}
	count := r.Leader.GoodFollowerCount(r.MinSlavesMaxLag)
	r.Lock()
	r.goodFollowers = count
	r.Unlock()
}

// GoodFollowers returns the follower count as of the last tick.
func (r *Runner) GoodFollowers() int {
	r.Lock()
	defer r.Unlock()
	return r.goodFollowers
}

package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/anarchoredis/replicore/backlog"
	"github.com/anarchoredis/replicore/fanout"
	"github.com/anarchoredis/replicore/follower"
	"github.com/anarchoredis/replicore/leader"
	"github.com/anarchoredis/replicore/protocol"
	"github.com/anarchoredis/replicore/replid"
	"github.com/anarchoredis/replicore/store"
	"github.com/anarchoredis/replicore/tick"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// instance wires together every replication package into the state a
// single connFunc invocation needs to dispatch against.
type instance struct {
	cfg *Config

	selfUUID uuid.UUID
	registry *replid.Registry
	backlog  *backlog.Backlog
	fanout   *fanout.Fanout
	engine   store.Engine
	leader   *leader.Leader
	ticker   *tick.Runner
	srv      *Server

	logger *slog.Logger
}

// Run parses the configuration and serves until ctx is cancelled. It
// is the entry point cmd/replicored calls.
func Run(ctx context.Context) error {
	cfg := &Config{}
	if err := cfg.Parse(); err != nil {
		return fmt.Errorf("server: parsing config: %w", err)
	}
	return RunWithConfig(ctx, cfg)
}

// RunWithConfig is Run with an already-built Config, for callers that
// don't want to parse os.Args (e.g. tests).
func RunWithConfig(ctx context.Context, cfg *Config) error {
	inst, err := newInstance(ctx, cfg)
	if err != nil {
		return err
	}
	defer inst.engine.Close()

	srv, err := New(ctx, cfg, inst.connFunc)
	if err != nil {
		return fmt.Errorf("server: listening: %w", err)
	}
	inst.srv = srv

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return inst.ticker.Run(ctx) })
	if cfg.ReplicaOf != "" {
		g.Go(func() error { return inst.runUpstream(ctx) })
	}
	g.Go(func() error { return srv.Serve(ctx) })

	return g.Wait()
}

func newInstance(ctx context.Context, cfg *Config) (*instance, error) {
	engine, err := store.OpenBadgerEngine(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("server: opening storage engine: %w", err)
	}

	selfUUID := uuid.New()
	registry := replid.New()
	bl := backlog.New(cfg.BacklogSize)
	fo := fanout.New(bl, cfg.ActiveReplica, selfUUID)
	ld := leader.New(registry, bl, fo, engine)
	ld.DisklessSync = cfg.DisklessSync

	var upstreams []*follower.Follower
	if cfg.ReplicaOf != "" {
		f := follower.New(cfg.ReplicaOf, cfg.Address)
		f.SelfUUID = selfUUID
		f.ActiveReplica = cfg.ActiveReplica
		f.Engine = engine
		f.ReplTimeout = cfg.ReplTimeout
		f.Logger = slog.With("comp", "follower")
		f.Registry = registry
		upstreams = append(upstreams, f)
	}

	runner := tick.New(tick.Config{
		ReplTimeout:       cfg.ReplTimeout,
		PingPeriod:        cfg.ReplPingPeriod,
		BacklogTimeLimit:  cfg.BacklogTimeLimit,
		DisklessSyncDelay: cfg.DisklessSyncDelay,
		MinSlavesMaxLag:   cfg.MinSlavesMaxLag,
	})
	runner.Leader = ld
	runner.Fanout = fo
	runner.Registry = registry
	runner.Backlog = bl
	runner.Upstreams = upstreams

	return &instance{
		cfg:      cfg,
		selfUUID: selfUUID,
		registry: registry,
		backlog:  bl,
		fanout:   fo,
		engine:   engine,
		leader:   ld,
		ticker:   runner,
		logger:   slog.With("comp", "server"),
	}, nil
}

// runUpstream drives this instance's own follower connection to its
// configured leader, reconnecting via the tick whenever it drops.
func (i *instance) runUpstream(ctx context.Context) error {
	for _, f := range i.ticker.Upstreams {
		f := f
		go func() {
			<-ctx.Done()
			f.Close()
		}()
		go i.registerUpstreamLeader(ctx, f)
	}
	<-ctx.Done()
	return ctx.Err()
}

// registerUpstreamLeader waits for f to complete its handshake and
// records its master_uuid against the fanout's UpstreamLeaders set, so
// Relay (§4.7) never forwards this leader's own stream back to it in
// an active-replica mesh.
func (i *instance) registerUpstreamLeader(ctx context.Context, f *follower.Follower) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			id := f.MasterIdentity()
			if id != uuid.Nil {
				i.fanout.AddUpstreamLeader(id)
				return
			}
		}
	}
}

// connFunc is the per-connection dispatcher: it classifies each
// incoming command and routes it to the leader-side session machinery,
// or answers directly for introspection commands.
func (i *instance) connFunc(ctx context.Context, conn net.Conn) error {
	p := protocol.NewConnection(conn)
	p.Logger = i.logger

	var sess *leader.Session

	for {
		msg, err := p.Read()
		if err != nil {
			if sess != nil {
				i.leader.Detach(sess.UUID())
			}
			return nil
		}
		cmd, err := msg.Cmd()
		if err != nil {
			_, _ = p.Write(protocol.NewError(err))
			_ = p.Flush()
			continue
		}

		switch cmd.Name {
		case "PING":
			_, _ = p.Write(protocol.NewSimpleString("PONG"))
			_ = p.Flush()

		case "REPLCONF":
			// handleReplconf returns nil for options that get no reply
			// (REPLCONF ACK).
			if reply := i.handleReplconf(sess, cmd.Args); reply != nil {
				_, _ = p.Write(reply)
				_ = p.Flush()
			}

		case "SYNC", "PSYNC":
			sess = leader.NewSession(uuid.New(), p)
			if err := i.handleSync(ctx, sess, cmd); err != nil {
				i.logger.Warn("sync failed", "err", err)
				return err
			}

		case "ROLE":
			_, _ = p.Write(i.roleReply())
			_ = p.Flush()

		case "WAIT":
			_, _ = p.Write(i.handleWait(cmd.Args))
			_ = p.Flush()

		case "REPLICAOF", "SLAVEOF":
			_, _ = p.Write(protocol.NewSimpleString("OK"))
			_ = p.Flush()

		case "INFO":
			_, _ = p.Write(protocol.NewBulkString(i.infoReply()))
			_ = p.Flush()

		default:
			if !cmd.IsWrite() {
				// Reads never touch the engine's write path or the
				// replication stream; this core doesn't serve the
				// keyspace itself (store.Engine is write-only), so
				// there is nothing further to answer with.
				_, _ = p.Write(protocol.NewSimpleString("OK"))
				_ = p.Flush()
				continue
			}
			if err := i.engine.Apply(ctx, cmd); err != nil {
				_, _ = p.Write(protocol.NewError(err))
			} else {
				_ = i.fanout.Propagate(0, uuid.Nil, uint64(time.Now().UnixNano()), append([]string{cmd.Name}, cmd.Args...)...)
				_, _ = p.Write(protocol.NewSimpleString("OK"))
			}
			_ = p.Flush()
		}
	}
}

func (i *instance) handleReplconf(sess *leader.Session, args []string) *protocol.Message {
	if len(args) == 0 {
		return protocol.NewError(fmt.Errorf("server: REPLCONF needs an option"))
	}
	switch strings.ToLower(args[0]) {
	case "uuid":
		return protocol.NewSimpleString(i.selfUUID.String())
	case "listening-port", "ip-address", "capa", "license":
		return protocol.NewSimpleString("OK")
	case "ack":
		if sess != nil && len(args) >= 2 {
			if off, err := strconv.ParseInt(args[1], 10, 64); err == nil {
				sess.RecordAck(off)
			}
		}
		return nil
	case "getack":
		return protocol.NewSimpleString("OK")
	default:
		return protocol.NewSimpleString("OK")
	}
}

func (i *instance) handleSync(ctx context.Context, sess *leader.Session, cmd *protocol.Command) error {
	requestedID, offset := "?", int64(-1)
	if cmd.Name == "PSYNC" && len(cmd.Args) >= 2 {
		requestedID = cmd.Args[0]
		if off, err := strconv.ParseInt(cmd.Args[1], 10, 64); err == nil {
			offset = off
		}
	}

	result, err := i.leader.HandlePSYNC(sess, requestedID, offset)
	if err != nil {
		return fmt.Errorf("server: handling psync: %w", err)
	}

	if _, err := sess.Conn.Write(result.Reply); err != nil {
		return err
	}
	if err := sess.Conn.Flush(); err != nil {
		return err
	}

	if result.Partial {
		if len(result.Backfill) > 0 {
			if _, err := sess.Conn.WriteRaw(result.Backfill); err != nil {
				return err
			}
			if err := sess.Conn.Flush(); err != nil {
				return err
			}
		}
		i.leader.Attach(sess)
		return nil
	}

	return i.leader.ScheduleSnapshot(ctx, sess)
}

func (i *instance) roleReply() *protocol.Message {
	if len(i.ticker.Upstreams) > 0 {
		f := i.ticker.Upstreams[0]
		state := strings.ToLower(f.State().String())
		role := "slave"
		if i.cfg.ActiveReplica {
			role = "active-replica"
		}
		return protocol.NewArray(
			protocol.NewBulkString(role),
			protocol.NewBulkString(f.LeaderAddr),
			protocol.NewBulkString(""),
			protocol.NewBulkString(state),
			protocol.NewInt(f.Offset()),
		)
	}

	var followers []*protocol.Message
	for _, sess := range i.leader.Sessions() {
		followers = append(followers, protocol.NewArray(
			protocol.NewBulkString(""),
			protocol.NewBulkString(""),
			protocol.NewInt(sess.AckOffset),
		))
	}
	return protocol.NewArray(
		protocol.NewBulkString("master"),
		protocol.NewInt(i.backlog.Offset()),
		protocol.NewArray(followers...),
	)
}

func (i *instance) handleWait(args []string) *protocol.Message {
	n, timeoutMS := 0, int64(0)
	if len(args) >= 1 {
		n, _ = strconv.Atoi(args[0])
	}
	if len(args) >= 2 {
		timeoutMS, _ = strconv.ParseInt(args[1], 10, 64)
	}

	targetOffset := i.backlog.Offset()
	deadline := time.Now().Add(time.Duration(timeoutMS) * time.Millisecond)
	if timeoutMS <= 0 {
		deadline = time.Now().Add(time.Second)
	}

	i.leader.RequestAckOnNextTick()
	for {
		count := 0
		for _, sess := range i.leader.Sessions() {
			sess.Lock()
			acked := sess.AckOffset >= targetOffset
			sess.Unlock()
			if acked {
				count++
			}
		}
		if count >= n || time.Now().After(deadline) {
			return protocol.NewInt(int64(count))
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func (i *instance) infoReply() string {
	var b strings.Builder
	if len(i.ticker.Upstreams) > 0 {
		fmt.Fprintf(&b, "role:slave\r\n")
	} else {
		fmt.Fprintf(&b, "role:master\r\n")
	}
	fmt.Fprintf(&b, "master_replid:%s\r\n", i.registry.Primary().String())
	fmt.Fprintf(&b, "master_repl_offset:%d\r\n", i.backlog.Offset())
	fmt.Fprintf(&b, "connected_slaves:%d\r\n", len(i.leader.Sessions()))
	fmt.Fprintf(&b, "good_slaves:%d\r\n", i.ticker.GoodFollowers())
	if i.srv != nil {
		fmt.Fprintf(&b, "connected_clients:%d\r\n", i.srv.ActiveConns())
	}
	return b.String()
}

package server

import (
	"context"
	"log/slog"
	"net"
	"sync/atomic"
)

// ConnFunc dispatches one accepted connection; the replication core's
// only implementation is instance.connFunc.
type ConnFunc func(context.Context, net.Conn) error

// Server is the TCP accept loop a replication instance runs its
// connFunc behind. It carries no replication state of its own; all of
// that lives in the instance connFunc closes over.
type Server struct {
	config *Config

	l net.Listener

	connFunc ConnFunc

	active atomic.Int64

	log *slog.Logger
}

// New binds config.Address and returns a Server ready to Serve.
func New(ctx context.Context, config *Config, f ConnFunc) (*Server, error) {
	var lc = net.ListenConfig{}

	listener, err := lc.Listen(ctx, "tcp", config.Address)
	if err != nil {
		return nil, err
	}

	return &Server{config: config, l: listener, connFunc: f, log: slog.Default()}, nil
}

// ActiveConns reports the number of connections currently being
// served, for INFO's connected_clients line.
func (r *Server) ActiveConns() int64 {
	return r.active.Load()
}

// Serve accepts connections until ctx is cancelled or a connFunc
// invocation returns an error, in which case that error cancels ctx
// for every other in-flight connection too.
func (r *Server) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancelCause(ctx)

	r.log.Info("listening", "addr", r.l.Addr().String(), "network", r.l.Addr().Network())
	go func() {
		<-ctx.Done()
		r.l.Close()
	}()

	for ctx.Err() == nil {
		conn, err := r.l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return context.Cause(ctx)
			}
			return err
		}
		r.log.Info("got conn", "local", conn.LocalAddr().String(), "remote", conn.RemoteAddr().String(), "network", conn.RemoteAddr().Network())

		r.active.Add(1)
		go func() {
			defer r.active.Add(-1)
			if err := r.connFunc(ctx, conn); err != nil {
				r.log.Error("cancelling", "error", err)
				cancel(err)
			}
		}()
	}
	r.log.Info("listen loop exited")

	return context.Cause(ctx)
}

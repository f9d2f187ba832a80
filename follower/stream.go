// Copyright 2025 Outreach Corporation. All Rights Reserved.

// Description:

// Package follower:
package follower

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/anarchoredis/replicore/activereplica"
	"github.com/anarchoredis/replicore/fanout"
	"github.com/anarchoredis/replicore/protocol"
)

// ackInterval bounds how long the streaming loop goes without sending
// REPLCONF ACK even absent a GETACK request, so the leader's lag
// accounting never goes stale.
const ackInterval = time.Second

// Transfer receives the bulk payload that follows a FULLRESYNC reply,
// in either disk (size-prefixed) or diskless (EOF-delimited) framing,
// loads it into the storage engine, and advances to CONNECTED. It
// consumes the preamble line itself rather than going through the
// ordinary message decoder, since the bulk payload is not a RESP value.
func (f *Follower) Transfer(ctx context.Context, p *protocol.Conn) error {
	p.Lock()
	line, err := p.RW.ReadString('\n')
	p.Unlock()
	if err != nil {
		f.cancel()
		return fmt.Errorf("follower: reading bulk preamble: %w", err)
	}
	line = strings.TrimRight(line, "\r\n")
	if len(line) == 0 || line[0] != '$' {
		f.cancel()
		return fmt.Errorf("follower: malformed bulk preamble %q", line)
	}
	body := line[1:]

	if strings.HasPrefix(body, "EOF:") {
		marker := strings.TrimPrefix(body, "EOF:")
		if err := f.transferDiskless(ctx, p, marker); err != nil {
			f.cancel()
			return err
		}
	} else {
		size, err := strconv.ParseInt(body, 10, 64)
		if err != nil {
			f.cancel()
			return fmt.Errorf("follower: bad bulk length %q: %w", body, err)
		}
		if err := f.transferSized(ctx, p, size); err != nil {
			f.cancel()
			return err
		}
	}

	f.setState(Connected)
	return nil
}

func (f *Follower) transferSized(ctx context.Context, p *protocol.Conn, size int64) error {
	p.Lock()
	defer p.Unlock()
	r := &limitedReader{r: p.RW.Reader, n: size}
	if err := f.Engine.LoadSnapshot(ctx, r); err != nil {
		return fmt.Errorf("follower: loading disk snapshot: %w", err)
	}
	if r.n > 0 {
		if _, err := p.RW.Reader.Discard(int(r.n)); err != nil {
			return fmt.Errorf("follower: discarding unread snapshot tail: %w", err)
		}
	}
	return nil
}

// transferDiskless reads the socket-streamed snapshot payload, which
// has no declared length: its end is signaled by the reappearance of
// the 40-byte marker the leader generated for this transfer. The
// payload is buffered in full before being handed to the engine since
// the marker can only be recognized by its trailing position.
func (f *Follower) transferDiskless(ctx context.Context, p *protocol.Conn, marker string) error {
	p.Lock()
	defer p.Unlock()

	mlen := len(marker)
	var payload []byte
	tail := make([]byte, 0, mlen)

	buf := make([]byte, 64*1024)
	for {
		n, err := p.RW.Read(buf)
		if n > 0 {
			payload = append(payload, buf[:n]...)
			if len(payload) >= mlen {
				tail = payload[len(payload)-mlen:]
				if string(tail) == marker {
					payload = payload[:len(payload)-mlen]
					break
				}
			}
		}
		if err != nil {
			return fmt.Errorf("follower: reading diskless snapshot: %w", err)
		}
	}

	return f.Engine.LoadSnapshot(ctx, newByteReader(payload))
}

// limitedReader reads at most n bytes from r and reports the number of
// bytes still unread via its n field, so the caller can drain any
// remainder the engine chose not to consume.
type limitedReader struct {
	r *bufio.Reader
	n int64
}

func (l *limitedReader) Read(p []byte) (int, error) {
	if l.n <= 0 {
		return 0, io.EOF
	}
	if int64(len(p)) > l.n {
		p = p[:l.n]
	}
	n, err := l.r.Read(p)
	l.n -= int64(n)
	return n, err
}

func newByteReader(b []byte) *byteReader { return &byteReader{b: b} }

type byteReader struct {
	b   []byte
	pos int
}

func (r *byteReader) Read(p []byte) (int, error) {
	if r.pos >= len(r.b) {
		return 0, io.EOF
	}
	n := copy(p, r.b[r.pos:])
	r.pos += n
	return n, nil
}

// Stream runs the steady CONNECTED streaming loop: decode each command
// the leader sends, apply it to the storage engine, advance the
// replication offset, and periodically acknowledge progress. It
// returns when the connection errors or ctx is cancelled. On a read
// error it closes the connection, caches the leader and moves back to
// Connect, so the tick reconnects on its next pass.
func (f *Follower) Stream(ctx context.Context, fo *fanout.Fanout) error {
	p := f.conn
	lastAck := time.Now()
	selectedDB := 0
	nest := &activereplica.NestState{}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		msg, err := p.Read()
		if err != nil {
			f.Close()
			f.CacheLeader()
			f.setState(Connect)
			return fmt.Errorf("follower: reading replication stream: %w", err)
		}

		f.mu.Lock()
		f.offset += msg.OriginalSize
		f.lastIOTime = time.Now()
		offset := f.offset
		f.mu.Unlock()

		if fo != nil && len(msg.Raw) > 0 {
			_ = fo.Relay(msg.Raw)
		}

		cmd, err := msg.Cmd()
		if err != nil {
			f.Logger.Warn("follower: dropping malformed stream entry", "err", err)
			continue
		}

		switch cmd.Name {
		case "PING":
			continue
		case "SELECT":
			if len(cmd.Args) == 1 {
				if db, err := strconv.Atoi(cmd.Args[0]); err == nil {
					selectedDB = db
				}
			}
			continue
		case "REPLCONF":
			if len(cmd.Args) >= 1 && strings.EqualFold(cmd.Args[0], "GETACK") {
				if err := f.sendAck(p, offset); err != nil {
					return err
				}
				lastAck = time.Now()
			}
			continue
		case "RREPLAY":
			if err := f.applyEnvelope(ctx, cmd.Args, selectedDB, nest); err != nil {
				f.Logger.Warn("follower: dropping bad RREPLAY envelope", "err", err)
			}
		default:
			applyCmd := *cmd
			applyCmd.Database = strconv.Itoa(selectedDB)
			if err := f.Engine.Apply(ctx, &applyCmd); err != nil {
				f.Logger.Warn("follower: apply failed", "cmd", cmd.Name, "err", err)
			}
		}

		if time.Since(lastAck) >= ackInterval {
			if err := f.sendAck(p, offset); err != nil {
				return err
			}
			lastAck = time.Now()
		}
	}
}

// applyEnvelope unwraps an RREPLAY envelope and applies its inner
// command, guarding against unbounded re-entrant replay chains between
// active-replica peers with a per-connection nesting counter.
func (f *Follower) applyEnvelope(ctx context.Context, args []string, selectedDB int, nest *activereplica.NestState) error {
	env, err := activereplica.Unwrap(args)
	if err != nil {
		return err
	}
	if activereplica.SameUUID(env.Originator, f.SelfUUID) {
		return nil
	}
	if !nest.Push() {
		return fmt.Errorf("follower: RREPLAY nesting overflow, cancelling chain")
	}
	defer nest.Pop()

	inner, err := protocol.Decode(env.Inner)
	if err != nil {
		return fmt.Errorf("follower: decoding wrapped command: %w", err)
	}
	cmd, err := inner.Cmd()
	if err != nil {
		return err
	}
	db := selectedDB
	if env.DB != 0 {
		db = env.DB
	}
	cmd.Database = strconv.Itoa(db)
	return f.Engine.Apply(ctx, cmd)
}

// SendAck sends a REPLCONF ACK carrying this follower's current
// offset to its upstream leader, for the tick's once-per-second
// ack of a CONNECTED follower that supports PSYNC.
func (f *Follower) SendAck() error {
	f.mu.Lock()
	p, offset := f.conn, f.offset
	f.mu.Unlock()
	if p == nil {
		return fmt.Errorf("follower: no connection to ack on")
	}
	return f.sendAck(p, offset)
}

func (f *Follower) sendAck(p *protocol.Conn, offset int64) error {
	_, err := p.Write(protocol.NewOutgoingCommand("REPLCONF", "ACK", strconv.FormatInt(offset, 10)))
	if err != nil {
		return fmt.Errorf("follower: sending ack: %w", err)
	}
	return p.Flush()
}

// Copyright 2025 Outreach Corporation. All Rights Reserved.

// Description:

// Package follower:
package follower

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/anarchoredis/replicore/activereplica"
	"github.com/anarchoredis/replicore/protocol"
	"github.com/anarchoredis/replicore/replid"
	"github.com/anarchoredis/replicore/store"
	"github.com/google/uuid"
)

// State is a follower's position in the handshake/streaming state
// machine, driven monotonically: no step retries internally, a
// failure cancels the handshake back to Connect.
type State int

const (
	Connect State = iota
	Connecting
	ReceivePong
	SendAuth
	SendUUID
	SendKey
	SendPort
	SendIP
	SendCapa
	SendPSYNC
	ReceivePSYNC
	Transfer
	Connected
)

func (s State) String() string {
	switch s {
	case Connect:
		return "CONNECT"
	case Connecting:
		return "CONNECTING"
	case ReceivePong:
		return "RECEIVE_PONG"
	case SendAuth:
		return "SEND_AUTH"
	case SendUUID:
		return "SEND_UUID"
	case SendKey:
		return "SEND_KEY"
	case SendPort:
		return "SEND_PORT"
	case SendIP:
		return "SEND_IP"
	case SendCapa:
		return "SEND_CAPA"
	case SendPSYNC:
		return "SEND_PSYNC"
	case ReceivePSYNC:
		return "RECEIVE_PSYNC"
	case Transfer:
		return "TRANSFER"
	case Connected:
		return "CONNECTED"
	default:
		return "UNKNOWN"
	}
}

// Follower drives a single upstream leader connection: reconnection,
// authentication, capability negotiation, PSYNC, snapshot reception,
// and the streaming phase, grounded on the same dial/roundtrip shape
// as a plain subscriber but broken into the explicit named states
// §4.5 requires.
type Follower struct {
	mu sync.Mutex

	Dialer     net.Dialer
	LeaderAddr string
	MyAddr     string

	AuthUser, AuthSecret string
	LicenseKey           string

	SelfUUID      uuid.UUID
	ActiveReplica bool
	Capabilities  []string

	Engine store.Engine
	Logger *slog.Logger

	// Registry, when set, is this instance's own replication ID
	// registry, shared with the leader side that serves this
	// instance's own downstream sub-replicas. A changed upstream
	// replid on PSYNC +CONTINUE is adopted into it so the secondary
	// capture/rotate rule (§4.5.11) carries through the passthrough
	// chain.
	Registry *replid.Registry

	// ReplTimeout records the replication timeout this follower was
	// configured with. Follower itself does not read it; the tick
	// applies its own Config.ReplTimeout to LastIO during CONNECTING,
	// any handshake state, or TRANSFER.
	ReplTimeout time.Duration

	state   State
	conn    *protocol.Conn
	rawConn net.Conn

	MasterReplID     string
	MasterInitialOff int64
	MasterUUID       uuid.UUID

	cached *CachedLeader

	staleKeys *activereplica.StaleKeys

	offset     int64
	lastIOTime time.Time
}

// New builds a Follower that will connect to leaderAddr, advertising
// myAddr as its own listening address.
func New(leaderAddr, myAddr string) *Follower {
	return &Follower{
		LeaderAddr:   leaderAddr,
		MyAddr:       myAddr,
		SelfUUID:     uuid.New(),
		Capabilities: []string{"eof", "psync2"},
		Logger:       slog.With("comp", "follower"),
		ReplTimeout:  60 * time.Second,
		staleKeys:    activereplica.NewStaleKeys(),
	}
}

// State returns the follower's current handshake/streaming state.
func (f *Follower) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *Follower) setState(s State) {
	f.mu.Lock()
	f.state = s
	f.lastIOTime = time.Now()
	f.mu.Unlock()
}

// LastIO returns the timestamp of this follower's last state
// transition or stream read, used by the tick to detect a stuck
// handshake or transfer.
func (f *Follower) LastIO() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastIOTime
}

// Reset forces the follower back to CONNECT, e.g. because the tick
// decided it has been stuck in a handshake or transfer state too
// long. It does not close the underlying connection; callers close it
// first if one is open.
func (f *Follower) Reset() {
	f.cancel()
}

// MasterIdentity returns the upstream leader's identity_uuid, learned
// during the REPLCONF uuid exchange, or uuid.Nil before the handshake
// reaches that step.
func (f *Follower) MasterIdentity() uuid.UUID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.MasterUUID
}

// Offset returns the number of replication stream bytes applied so
// far.
func (f *Follower) Offset() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.offset
}

// Connect runs the full handshake sequence once: CONNECT through
// CONNECTED, including the snapshot Transfer when PSYNC resolves to a
// full resync. The streaming phase is driven separately by Stream.
// On any failure it cancels back to Connect and returns the error;
// the tick is responsible for retrying.
func (f *Follower) Connect(ctx context.Context) error {
	f.setState(Connecting)
	raw, err := f.Dialer.DialContext(ctx, "tcp", f.LeaderAddr)
	if err != nil {
		f.setState(Connect)
		return fmt.Errorf("follower: dial: %w", err)
	}

	p := protocol.NewConnection(raw)
	p.Logger = f.Logger
	f.mu.Lock()
	f.conn = p
	f.rawConn = raw
	f.mu.Unlock()

	if err := f.ping(p); err != nil {
		f.cancel()
		return err
	}
	if err := f.auth(p); err != nil {
		f.cancel()
		return err
	}
	if err := f.sendUUID(p); err != nil {
		f.cancel()
		return err
	}
	if err := f.sendLicense(p); err != nil {
		f.cancel()
		return err
	}
	if err := f.sendPort(p); err != nil {
		f.cancel()
		return err
	}
	if err := f.sendIP(p); err != nil {
		f.cancel()
		return err
	}
	if err := f.sendCapa(p); err != nil {
		f.cancel()
		return err
	}

	reply, err := f.sendPSYNC(p)
	if err != nil {
		f.cancel()
		return err
	}

	if err := f.handlePSYNCReply(ctx, p, reply); err != nil {
		f.cancel()
		return err
	}
	return nil
}

func (f *Follower) cancel() {
	f.mu.Lock()
	f.state = Connect
	f.MasterReplID = ""
	conn := f.rawConn
	f.rawConn = nil
	f.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

// Close closes the underlying connection, if one is open, without
// otherwise touching replication state — used by Stream's caller on
// shutdown.
func (f *Follower) Close() error {
	f.mu.Lock()
	conn := f.rawConn
	f.rawConn = nil
	f.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close()
}

func (f *Follower) ping(p *protocol.Conn) error {
	f.setState(ReceivePong)
	resp, err := p.RoundTrip(protocol.NewOutgoingCommand("PING"))
	if err != nil {
		return fmt.Errorf("follower: ping: %w", err)
	}
	switch {
	case resp.Kind == protocol.SimpleString:
		return nil
	case resp.Kind == protocol.Error && (strings.Contains(resp.Error.Error(), "NOAUTH") ||
		strings.Contains(resp.Error.Error(), "operation not permitted")):
		return nil
	default:
		return fmt.Errorf("follower: unexpected PING reply %s", resp)
	}
}

func (f *Follower) auth(p *protocol.Conn) error {
	f.setState(SendAuth)
	if f.AuthSecret == "" {
		return nil
	}
	args := []string{"AUTH"}
	if f.AuthUser != "" {
		args = append(args, f.AuthUser)
	}
	args = append(args, f.AuthSecret)
	resp, err := p.RoundTrip(protocol.NewOutgoingCommand(args...))
	if err != nil {
		return fmt.Errorf("follower: auth: %w", err)
	}
	if resp.Kind == protocol.Error {
		return fmt.Errorf("follower: auth rejected: %w", resp.Error)
	}
	return nil
}

func (f *Follower) sendUUID(p *protocol.Conn) error {
	f.setState(SendUUID)
	resp, err := p.RoundTrip(protocol.NewOutgoingCommand("REPLCONF", "uuid", activereplica.Identity(f.SelfUUID)))
	if err != nil {
		return fmt.Errorf("follower: replconf uuid: %w", err)
	}
	if resp.Kind == protocol.SimpleString {
		if id, err := uuid.Parse(resp.Str); err == nil {
			f.mu.Lock()
			f.MasterUUID = id
			f.mu.Unlock()
		}
	}
	return nil
}

func (f *Follower) sendLicense(p *protocol.Conn) error {
	f.setState(SendKey)
	if f.LicenseKey == "" {
		return nil
	}
	resp, err := p.RoundTrip(protocol.NewOutgoingCommand("REPLCONF", "license", f.LicenseKey))
	if err != nil {
		return fmt.Errorf("follower: replconf license: %w", err)
	}
	if resp.Kind == protocol.Error {
		return fmt.Errorf("follower: license exchange failed: %w", resp.Error)
	}
	return nil
}

func (f *Follower) sendPort(p *protocol.Conn) error {
	f.setState(SendPort)
	_, port, err := net.SplitHostPort(f.MyAddr)
	if err != nil {
		return fmt.Errorf("follower: parsing own address %q: %w", f.MyAddr, err)
	}
	_, err = p.RoundTrip(protocol.NewOutgoingCommand("REPLCONF", "listening-port", port))
	if err != nil {
		return fmt.Errorf("follower: replconf listening-port: %w", err)
	}
	return nil
}

func (f *Follower) sendIP(p *protocol.Conn) error {
	f.setState(SendIP)
	host, _, err := net.SplitHostPort(f.MyAddr)
	if err != nil || host == "" {
		return nil
	}
	_, err = p.RoundTrip(protocol.NewOutgoingCommand("REPLCONF", "ip-address", host))
	if err != nil {
		return fmt.Errorf("follower: replconf ip-address: %w", err)
	}
	return nil
}

func (f *Follower) sendCapa(p *protocol.Conn) error {
	f.setState(SendCapa)
	capas := append([]string{}, f.Capabilities...)
	if f.ActiveReplica {
		capas = append(capas, "activeExpire")
	}
	args := []string{"REPLCONF"}
	for _, c := range capas {
		args = append(args, "capa", c)
	}
	_, err := p.RoundTrip(protocol.NewOutgoingCommand(args...))
	if err != nil {
		return fmt.Errorf("follower: replconf capa: %w", err)
	}
	return nil
}

func (f *Follower) sendPSYNC(p *protocol.Conn) (*protocol.Message, error) {
	f.setState(SendPSYNC)

	requestID, offset := "?", int64(-1)
	if f.cached != nil {
		requestID, offset = f.cached.ReplID, f.cached.Offset+1
	}

	f.setState(ReceivePSYNC)
	resp, err := p.RoundTrip(protocol.NewOutgoingCommand("PSYNC", requestID, strconv.FormatInt(offset, 10)))
	if err != nil {
		return nil, fmt.Errorf("follower: psync: %w", err)
	}
	return resp, nil
}

func (f *Follower) handlePSYNCReply(ctx context.Context, p *protocol.Conn, reply *protocol.Message) error {
	if reply.Kind == protocol.Error {
		msg := reply.Error.Error()
		if strings.Contains(msg, "NOMASTERLINK") || strings.Contains(msg, "LOADING") {
			return fmt.Errorf("follower: transient psync rejection: %s", msg)
		}
		// Any other error reply cancels the handshake; no legacy SYNC
		// is sent.
		f.setState(Connect)
		return fmt.Errorf("follower: psync error: %s", msg)
	}
	if reply.Kind != protocol.SimpleString {
		f.setState(Connect)
		return fmt.Errorf("follower: unexpected psync reply kind %s", reply.Kind)
	}

	fields := strings.Fields(reply.Str)
	if len(fields) == 0 {
		f.setState(Connect)
		return fmt.Errorf("follower: empty psync reply")
	}

	switch fields[0] {
	case "FULLRESYNC":
		if len(fields) < 3 {
			f.setState(Connect)
			return fmt.Errorf("follower: malformed FULLRESYNC reply %q", reply.Str)
		}
		newOffset, err := strconv.ParseInt(fields[2], 10, 64)
		if err != nil {
			f.setState(Connect)
			return fmt.Errorf("follower: bad FULLRESYNC offset: %w", err)
		}
		f.discardCachedLeader()
		f.mu.Lock()
		f.MasterReplID = fields[1]
		f.MasterInitialOff = newOffset
		f.offset = newOffset
		f.mu.Unlock()
		f.setState(Transfer)
		return f.Transfer(ctx, p)

	case "CONTINUE":
		oldID := f.MasterReplID
		if len(fields) >= 2 && fields[1] != oldID && fields[1] != "" {
			f.mu.Lock()
			f.MasterReplID = fields[1]
			offset := f.offset
			f.mu.Unlock()
			if f.Registry != nil {
				f.Registry.AdoptPrimary(replid.ParseID(fields[1]), offset)
			}
		}
		f.resurrectCachedLeader()
		f.setState(Connected)
		return nil

	default:
		f.setState(Connect)
		return fmt.Errorf("follower: unrecognized psync reply %q", reply.Str)
	}
}

// IsHandshakeState reports whether s is one of the handshake states
// (as opposed to Connected, the steady streaming state), for timeout
// bookkeeping in the tick.
func IsHandshakeState(s State) bool {
	return s >= Connecting && s < Connected
}

// RegistryID parses the follower's currently known master replication
// ID, or the zero ID if none has been learned yet.
func (f *Follower) RegistryID() replid.ID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return replid.ParseID(f.MasterReplID)
}

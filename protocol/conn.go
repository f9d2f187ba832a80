// Copyright 2025 Outreach Corporation. All Rights Reserved.

// Description:

// Package protocol:
package protocol

import (
	"bufio"
	"io"
	"log/slog"
	"sync"
)

// NewConnection wraps a byte stream in a buffered, thread-safe RESP
// connection.
func NewConnection(conn io.ReadWriter) *Conn {
	return &Conn{
		RW:     bufio.NewReadWriter(bufio.NewReader(conn), bufio.NewWriter(conn)),
		Logger: slog.With("comp", "conn"),
		reader: newReader(),
		writer: newWriter(),
	}
}

// Conn is a thread-safe RESP connection: one *bufio.ReadWriter plus the
// mutex that serializes access to it, following the same "embeds
// sync.Mutex" shape used by Fanout, Leader, Session, Registry and Runner.
type Conn struct {
	sync.Mutex
	RW     *bufio.ReadWriter
	Logger *slog.Logger

	reader *reader
	writer *writer
}

// Read locks the connection and decodes the next RESP value. The
// returned message's Raw holds the exact wire bytes it was decoded
// from, for callers that need to relay it byte-exactly.
func (conn *Conn) Read() (*Message, error) {
	conn.Lock()
	defer conn.Unlock()
	cr := &capturingReader{byteReader: conn.RW}
	msg, err := conn.reader.Read(cr)
	if err != nil {
		return nil, err
	}
	msg.Raw = cr.buf
	return msg, nil
}

// Write locks the connection and encodes m, without flushing.
func (conn *Conn) Write(m *Message) (int, error) {
	conn.Lock()
	defer conn.Unlock()
	return conn.writer.Write(conn.RW, m)
}

// Flush writes any buffered data to the underlying stream.
func (conn *Conn) Flush() error {
	conn.Lock()
	defer conn.Unlock()
	return conn.RW.Flush()
}

// RawRoundtrip writes raw, already-encoded bytes, flushes, and reads
// back one response, for a caller that has already framed the bytes
// itself.
func (conn *Conn) RawRoundtrip(data []byte) (*Message, error) {
	conn.Lock()
	defer conn.Unlock()
	if _, err := conn.RW.Write(data); err != nil {
		return nil, err
	}
	if err := conn.RW.Flush(); err != nil {
		return nil, err
	}
	return conn.reader.Read(conn.RW)
}

// RoundTrip writes msg, flushes, and reads back one response.
func (conn *Conn) RoundTrip(msg *Message) (*Message, error) {
	if _, err := conn.Write(msg); err != nil {
		return nil, err
	}
	if err := conn.Flush(); err != nil {
		return nil, err
	}
	resp, err := conn.Read()
	conn.Logger.Debug("roundtrip", "cmd", msg, "resp", resp, "err", err)
	return resp, err
}

// WriteRaw writes pre-encoded bytes directly to the underlying writer,
// bypassing message encoding. Used to stream backlog and snapshot
// bytes that are already in wire form.
func (conn *Conn) WriteRaw(b []byte) (int, error) {
	conn.Lock()
	defer conn.Unlock()
	return conn.RW.Write(b)
}

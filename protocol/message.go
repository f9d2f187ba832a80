// Copyright 2025 Outreach Corporation. All Rights Reserved.

// Description:

// Package protocol:
package protocol

import (
	"math/big"
	"strconv"

	"github.com/anarchoredis/replicore/protocol/kind"
)

type Kind = kind.Kind

const (
	End = kind.EOL

	SimpleString   = kind.SimpleString
	Error          = kind.Error
	Int            = kind.Int
	BulkString     = kind.BulkString
	Array          = kind.Array
	Null           = kind.Null
	Bool           = kind.Bool
	Double         = kind.Double
	BigNumber      = kind.BigNumber
	BulkError      = kind.BulkError
	VerbatimString = kind.VerbatimString
	Map            = kind.Map
	Attribute      = kind.Attribute
	Sets           = kind.Set
	Push           = kind.Push
)

// Message is a decoded RESP value. Kind says which of the other fields
// are meaningful; the rest are zero.
type Message struct {
	Kind Kind

	Str       string
	Error     error
	Int       int64
	Bool      bool
	Double    float64
	BigNumber *big.Int

	VerbatimString struct {
		Encoding string
		Data     string
	}

	Array []*Message
	Map   [][2]*Message

	// OriginalSize is the number of wire bytes this message consumed,
	// indicator, length prefixes, and trailing CRLFs included. It is
	// what a follower adds to its replication offset per message.
	OriginalSize int64

	// Raw is the exact wire bytes this message was decoded from, set on
	// the top-level value returned by Conn.Read. A passthrough relay
	// (follower streaming to a sub-replica) forwards Raw rather than
	// re-encoding the decoded value, so the downstream backlog stays
	// byte-identical to the upstream one.
	Raw []byte
}

func (m *Message) String() string {
	if m == nil {
		return "<nil>"
	}
	switch m.Kind {
	case SimpleString:
		return m.Str
	case Error:
		return m.Error.Error()
	case Int:
		return strconv.FormatInt(m.Int, 10)
	case Array, Sets, Push:
		s := "("
		for i, a := range m.Array {
			if i > 0 {
				s += " "
			}
			s += a.String()
		}
		return s + ")"
	case BulkString, VerbatimString:
		return m.Str
	default:
		return string(m.Kind) + m.Str
	}
}

// NewError builds an Error message from a Go error.
func NewError(err error) *Message {
	return &Message{Kind: Error, Error: err}
}

// NewSimpleString builds a SimpleString message.
func NewSimpleString(s string) *Message {
	return &Message{Kind: SimpleString, Str: s}
}

// NewInt builds an Int message.
func NewInt(i int64) *Message {
	return &Message{Kind: Int, Int: i}
}

// NewBulkString builds a BulkString message.
func NewBulkString(s string) *Message {
	return &Message{Kind: BulkString, Str: s}
}

// NewArray builds an Array message out of its elements.
func NewArray(elems ...*Message) *Message {
	return &Message{Kind: Array, Array: elems}
}

// NewOutgoingCommand builds the array-of-bulk-strings shape every RESP
// command uses on the wire: *N\r\n$L\r\n<arg>\r\n...
func NewOutgoingCommand(args ...string) *Message {
	elems := make([]*Message, len(args))
	for i, a := range args {
		elems[i] = NewBulkString(a)
	}
	return NewArray(elems...)
}

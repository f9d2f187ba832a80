package protocol

import (
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"
)

// byteReader is the subset of *bufio.ReadWriter the sub-parsers need.
// Reading against an interface, instead of the concrete type, lets
// Conn.Read wrap the connection in a capturingReader so the decoded
// Message can carry the exact wire bytes it came from.
type byteReader interface {
	ReadByte() (byte, error)
	ReadBytes(delim byte) ([]byte, error)
	Read(p []byte) (int, error)
	Discard(n int) (int, error)
}

// capturingReader records every byte a decode pulls off conn, so the
// top-level Read call can stamp the resulting Message.Raw with the
// exact bytes consumed rather than a re-encoding of the decoded value.
// §4.7 passthrough relay depends on Raw matching the wire byte-for-byte.
type capturingReader struct {
	byteReader
	buf []byte
}

func (c *capturingReader) ReadByte() (byte, error) {
	b, err := c.byteReader.ReadByte()
	if err == nil {
		c.buf = append(c.buf, b)
	}
	return b, err
}

func (c *capturingReader) ReadBytes(delim byte) ([]byte, error) {
	line, err := c.byteReader.ReadBytes(delim)
	c.buf = append(c.buf, line...)
	return line, err
}

func (c *capturingReader) Read(p []byte) (int, error) {
	n, err := c.byteReader.Read(p)
	c.buf = append(c.buf, p[:n]...)
	return n, err
}

// Discard is only ever called with len(End): the trailing CRLF of a
// bulk string whose payload is empty. bufio.Discard doesn't hand back
// the bytes it skipped, but the RESP grammar fixes what they are.
func (c *capturingReader) Discard(n int) (int, error) {
	discarded, err := c.byteReader.Discard(n)
	c.buf = append(c.buf, End...)
	return discarded, err
}

type reader map[Kind]func(conn byteReader) (*Message, error)

func newReader() *reader {
	r := make(reader)
	r[SimpleString] = r.string
	r[Error] = r.error
	r[Int] = r.int
	r[BulkString] = r.bulkString
	r[Array] = r.array
	r[Null] = r.null
	r[Bool] = r.bool
	r[Double] = r.double
	r[BigNumber] = r.bignum
	r[Map] = r._map
	r[Sets] = r.set
	r[VerbatimString] = r.verbatimstring
	r[BulkError] = r.bulkerror
	r[Push] = r.push
	return &r
}

// Read decodes exactly one RESP value from conn.
func (r *reader) Read(conn byteReader) (*Message, error) {
	for {
		t, err := conn.ReadByte()
		if err != nil {
			return nil, err
		}
		if t == '\r' || t == '\n' {
			continue
		}
		f, ok := (*r)[Kind(t)]
		if !ok {
			return nil, fmt.Errorf("unknown indicator %q", string(t))
		}
		return f(conn)
	}
}

// string parses a simple string from the connection.
func (r *reader) string(conn byteReader) (*Message, error) {
	line, err := conn.ReadBytes('\n')
	if err != nil {
		return nil, err
	}
	if len(line) < 2 {
		return nil, errors.New("missing CRLF")
	}
	line = line[:len(line)-2]
	return &Message{
		Kind:         SimpleString,
		Str:          string(line),
		OriginalSize: int64(len(line)) + 3, // indicator byte + payload + CRLF
	}, nil
}

func (r *reader) null(conn byteReader) (*Message, error) {
	s, err := r.string(conn)
	if err != nil {
		return nil, err
	}
	if s.Str != "" {
		return nil, errors.New("null message should be empty")
	}
	return &Message{Kind: Null, OriginalSize: s.OriginalSize}, nil
}

func (r *reader) error(conn byteReader) (*Message, error) {
	m, err := r.string(conn)
	if err != nil {
		return nil, err
	}
	m.Error = errors.New(m.Str)
	m.Kind = Error
	return m, nil
}

func (r *reader) int(conn byteReader) (*Message, error) {
	m, err := r.string(conn)
	if err != nil {
		return nil, err
	}
	n, err := strconv.ParseInt(m.Str, 10, 64)
	if err != nil {
		return nil, err
	}
	m.Int = n
	m.Kind = Int
	m.Str = ""
	return m, nil
}

func (r *reader) bulkString(conn byteReader) (*Message, error) {
	count, err := r.int(conn)
	if err != nil {
		return nil, fmt.Errorf("%w reading length in bulk string", err)
	}
	m := &Message{Kind: BulkString, OriginalSize: count.OriginalSize}
	if count.Int < 0 {
		m.Kind = Null
		return m, nil
	}
	if count.Int == 0 {
		_, err := conn.Discard(len(End))
		m.OriginalSize += int64(len(End))
		return m, err
	}

	buf := make([]byte, count.Int)
	n, err := readFull(conn, buf)
	m.OriginalSize += int64(n)
	if err != nil {
		return nil, err
	}
	m.Str = string(buf[:n])

	eol := make([]byte, len(End))
	n, err = readFull(conn, eol)
	m.OriginalSize += int64(n)
	if err != nil {
		return nil, err
	}
	return m, nil
}

func readFull(conn byteReader, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (r *reader) bulkerror(conn byteReader) (*Message, error) {
	m, err := r.bulkString(conn)
	if err != nil {
		return nil, err
	}
	m.Error = errors.New(m.Str)
	m.Kind = BulkError
	return m, nil
}

func (r *reader) array(conn byteReader) (*Message, error) {
	count, err := r.int(conn)
	if err != nil {
		return nil, err
	}
	m := &Message{Kind: Array, OriginalSize: count.OriginalSize}
	if count.Int < 0 {
		m.Kind = Null
		return m, nil
	}
	for i := int64(0); i < count.Int; i++ {
		elem, err := r.Read(conn)
		if err != nil {
			return nil, fmt.Errorf("%w reading element %d of array", err, i)
		}
		m.Array = append(m.Array, elem)
		m.OriginalSize += elem.OriginalSize
	}
	return m, nil
}

func (r *reader) set(conn byteReader) (*Message, error) {
	m, err := r.array(conn)
	if err != nil {
		return nil, err
	}
	m.Kind = Sets
	return m, nil
}

func (r *reader) push(conn byteReader) (*Message, error) {
	m, err := r.array(conn)
	if err != nil {
		return nil, err
	}
	m.Kind = Push
	return m, nil
}

func (r *reader) bool(conn byteReader) (*Message, error) {
	s, err := r.string(conn)
	if err != nil {
		return nil, err
	}
	m := &Message{Kind: Bool, OriginalSize: s.OriginalSize}
	switch s.Str {
	case "t":
		m.Bool = true
	case "f":
		m.Bool = false
	default:
		return nil, fmt.Errorf("unexpected boolean value %q", s.Str)
	}
	return m, nil
}

func (r *reader) double(conn byteReader) (*Message, error) {
	m, err := r.string(conn)
	if err != nil {
		return nil, err
	}
	m.Kind = Double
	m.Double, err = strconv.ParseFloat(m.Str, 64)
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (r *reader) bignum(conn byteReader) (*Message, error) {
	m, err := r.string(conn)
	if err != nil {
		return nil, err
	}
	b := big.NewInt(0)
	if _, ok := b.SetString(m.Str, 10); !ok {
		return nil, fmt.Errorf("invalid big number %q", m.Str)
	}
	m.Kind = BigNumber
	m.BigNumber = b
	return m, nil
}

func (r *reader) _map(conn byteReader) (*Message, error) {
	count, err := r.int(conn)
	if err != nil {
		return nil, err
	}
	m := &Message{Kind: Map, OriginalSize: count.OriginalSize}
	for i := int64(0); i < count.Int; i++ {
		key, err := r.Read(conn)
		if err != nil {
			return nil, err
		}
		m.OriginalSize += key.OriginalSize
		val, err := r.Read(conn)
		if err != nil {
			return nil, err
		}
		m.OriginalSize += val.OriginalSize
		m.Map = append(m.Map, [2]*Message{key, val})
	}
	return m, nil
}

// verbatimstring parses `=<length>\r\n<3-char-encoding>:<data>\r\n`.
func (r *reader) verbatimstring(conn byteReader) (*Message, error) {
	m, err := r.bulkString(conn)
	if err != nil {
		return nil, err
	}
	pair := strings.SplitN(m.Str, ":", 2)
	if len(pair) != 2 {
		return nil, fmt.Errorf("malformed verbatim string %q", m.Str)
	}
	m.VerbatimString.Encoding = pair[0]
	m.VerbatimString.Data = pair[1]
	m.Kind = VerbatimString
	return m, nil
}

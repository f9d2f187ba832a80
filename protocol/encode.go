package protocol

import (
	"bufio"
	"bytes"
)

// Encode renders m to its wire bytes. Callers that need to embed one
// message's encoded form inside another, e.g. the RREPLAY wrapper
// embedding its inner command, encode the inner message first so its
// byte length is known before framing the outer one.
func Encode(m *Message) ([]byte, error) {
	var buf bytes.Buffer
	rw := bufio.NewReadWriter(bufio.NewReader(&buf), bufio.NewWriter(&buf))
	if _, err := newWriter().Write(rw, m); err != nil {
		return nil, err
	}
	if err := rw.Flush(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decode parses exactly one RESP value out of b. Used where a message
// arrives already fully buffered, e.g. unwrapping an RREPLAY envelope's
// inner command bytes.
func Decode(b []byte) (*Message, error) {
	buf := bytes.NewBuffer(b)
	rw := bufio.NewReadWriter(bufio.NewReader(buf), bufio.NewWriter(buf))
	return newReader().Read(rw)
}

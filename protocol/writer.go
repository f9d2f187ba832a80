package protocol

import (
	"bufio"
	"fmt"
)

type writer map[Kind]func(*bufio.ReadWriter, *Message) (int, error)

func (w *writer) Write(conn *bufio.ReadWriter, m *Message) (int, error) {
	f, ok := (*w)[m.Kind]
	if !ok {
		return 0, fmt.Errorf("unknown indicator %q", string(m.Kind))
	}
	return f(conn, m)
}

func (w *writer) array(conn *bufio.ReadWriter, m *Message) (int, error) {
	n, err := conn.Write([]byte(fmt.Sprintf("%c%d\r\n", m.Kind, len(m.Array))))
	if err != nil {
		return n, err
	}
	for _, msg := range m.Array {
		nn, err := w.Write(conn, msg)
		n += nn
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

func (w *writer) simpleString(conn *bufio.ReadWriter, m *Message) (int, error) {
	return conn.Write([]byte(fmt.Sprintf("%c%s\r\n", m.Kind, m.Str)))
}

func (w *writer) errorString(conn *bufio.ReadWriter, m *Message) (int, error) {
	msg := m.Str
	if m.Error != nil {
		msg = m.Error.Error()
	}
	return conn.Write([]byte(fmt.Sprintf("%c%s\r\n", m.Kind, msg)))
}

func newWriter() *writer {
	w := make(writer)
	w[Array] = w.array
	w[SimpleString] = w.simpleString
	w[Error] = w.errorString
	w[Double] = w.simpleString
	w[BigNumber] = w.simpleString
	w[Int] = func(conn *bufio.ReadWriter, m *Message) (int, error) {
		return conn.Write([]byte(fmt.Sprintf("%c%d\r\n", m.Kind, m.Int)))
	}
	w[BulkString] = func(conn *bufio.ReadWriter, m *Message) (int, error) {
		return conn.Write([]byte(fmt.Sprintf("%c%d\r\n%s\r\n", m.Kind, len(m.Str), m.Str)))
	}
	w[BulkError] = func(conn *bufio.ReadWriter, m *Message) (int, error) {
		msg := m.Str
		if m.Error != nil {
			msg = m.Error.Error()
		}
		return conn.Write([]byte(fmt.Sprintf("%c%d\r\n%s\r\n", m.Kind, len(msg), msg)))
	}
	w[Null] = func(conn *bufio.ReadWriter, m *Message) (int, error) {
		return conn.Write([]byte(fmt.Sprintf("%c\r\n", m.Kind)))
	}
	w[Bool] = func(conn *bufio.ReadWriter, m *Message) (int, error) {
		return conn.Write([]byte(fmt.Sprintf("%c%s\r\n", m.Kind, map[bool]string{true: "t", false: "f"}[m.Bool])))
	}
	w[VerbatimString] = func(conn *bufio.ReadWriter, m *Message) (int, error) {
		payload := fmt.Sprintf("%s:%s", m.VerbatimString.Encoding, m.VerbatimString.Data)
		return conn.Write([]byte(fmt.Sprintf("%c%d\r\n%s\r\n", m.Kind, len(payload), payload)))
	}
	w[Map] = func(conn *bufio.ReadWriter, m *Message) (int, error) {
		n, err := conn.Write([]byte(fmt.Sprintf("%c%d\r\n", m.Kind, len(m.Map))))
		if err != nil {
			return n, err
		}
		for _, pair := range m.Map {
			nn, err := w.Write(conn, pair[0])
			n += nn
			if err != nil {
				return n, err
			}
			nn, err = w.Write(conn, pair[1])
			n += nn
			if err != nil {
				return n, err
			}
		}
		return n, nil
	}
	w[Sets] = w.array
	w[Push] = w.array

	return &w
}

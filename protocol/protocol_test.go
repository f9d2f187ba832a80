package protocol

import (
	"bufio"
	"bytes"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"testing"
	"time"

	"gotest.tools/v3/assert"
)

func TestRead_String(t *testing.T) {
	b := bytes.NewBufferString("+OK\r\n")

	r2 := bufio.NewReadWriter(bufio.NewReader(b), nil)
	result, err := newReader().Read(r2)

	assert.NilError(t, err)
	assert.Equal(t, result.Str, "OK")
	assert.Equal(t, result.Kind, SimpleString)
}

func TestRead_Error(t *testing.T) {
	b := bytes.NewBufferString("-Error\r\n")
	r2 := bufio.NewReadWriter(bufio.NewReader(b), nil)
	result, err := newReader().Read(r2)

	assert.NilError(t, err)
	assert.Equal(t, result.Error.Error(), "Error")
	assert.Equal(t, result.Kind, Error)
}

func TestRead_Int(t *testing.T) {
	t.Run("an int", func(t *testing.T) {
		b := bytes.NewBufferString(":1024\r\n")

		r2 := bufio.NewReadWriter(bufio.NewReader(b), nil)
		result, err := newReader().Read(r2)

		assert.NilError(t, err)
		assert.Equal(t, result.Int, int64(1024))
		assert.Equal(t, string(result.Kind), string(Int))
	})

	t.Run("not an int", func(t *testing.T) {
		b := bytes.NewBufferString(":Hi\r\n")

		r2 := bufio.NewReadWriter(bufio.NewReader(b), nil)
		_, err := newReader().Read(r2)

		assert.ErrorIs(t, err, strconv.ErrSyntax)
	})
}

func TestRead_BulkString(t *testing.T) {
	t.Run("simple case", func(t *testing.T) {
		bulkStringTest(t,
			"abcdefghijklmnopqrstuvwxyzabcdefghijklmnopqrstuvwxyz0123456789\r\n")
	})
	t.Run("with intermediary delim", func(t *testing.T) {
		bulkStringTest(t, "abcdefghijklmnopqrstuvwxyzabcdef\r\nghijklmnopqrstuvwxyz0123456789\r\n")
	})

	t.Run("bulk string reads off the end of the connection", func(t *testing.T) {
		old := slog.SetLogLoggerLevel(slog.LevelDebug)
		defer slog.SetLogLoggerLevel(old)
		data := "abcdefg"
		server, client := net.Pipe()
		go func() {
			defer server.Close()
			server.Write([]byte(fmt.Sprintf("$%d\r\n%s", len(data), data[0:2])))
			time.Sleep(100 * time.Millisecond)
			server.Write([]byte(data[2:]))
			server.Write([]byte("\r\n"))
		}()
		defer client.Close()

		r2 := bufio.NewReadWriter(bufio.NewReader(client), nil)
		result, err := newReader().Read(r2)

		assert.NilError(t, err)
		assert.Equal(t, result.Str, data)
	})

	t.Run("bulk string arrives in three fragments", func(t *testing.T) {
		old := slog.SetLogLoggerLevel(slog.LevelDebug)
		defer slog.SetLogLoggerLevel(old)
		data := "abcdefg"
		server, client := net.Pipe()
		go func() {
			defer server.Close()
			server.Write([]byte(fmt.Sprintf("$%d", len(data))))
			time.Sleep(10 * time.Millisecond)
			server.Write([]byte("\r\n"))
			time.Sleep(10 * time.Millisecond)
			server.Write([]byte(data))
			time.Sleep(10 * time.Millisecond)
			server.Write([]byte("\r\n"))
		}()
		defer client.Close()

		r2 := bufio.NewReadWriter(bufio.NewReader(client), nil)
		result, err := newReader().Read(r2)

		assert.NilError(t, err)
		assert.Equal(t, result.Str, data)
	})

}

func bulkStringTest(t *testing.T, data string) {
	b := bytes.NewBufferString(fmt.Sprintf("$%d\r\n%s\r\n", len(data), data))

	r2 := bufio.NewReadWriter(bufio.NewReader(b), nil)
	result, err := newReader().Read(r2)

	assert.NilError(t, err)
	assert.Equal(t, result.Str, data)
}

func TestRead_Array(t *testing.T) {
	tests := map[string]struct {
		input    string
		expected []*Message
	}{
		"empty array": {
			input:    "*0\r\n",
			expected: nil,
		},
		"bulk strings": {
			input: "*2\r\n$5\r\nhello\r\n$5\r\nworld\r\n",
			expected: []*Message{
				{Str: "hello", Kind: BulkString, OriginalSize: 11},
				{Str: "world", Kind: BulkString, OriginalSize: 11},
			},
		},
		"ints": {
			input: "*3\r\n:1\r\n:2\r\n:3\r\n",
			expected: []*Message{
				{Int: 1, Kind: Int, OriginalSize: 4},
				{Int: 2, Kind: Int, OriginalSize: 4},
				{Int: 3, Kind: Int, OriginalSize: 4},
			},
		},
		"mixed types": {
			input: "*5\r\n:1\r\n:2\r\n:3\r\n:4\r\n$5\r\nhello\r\n",
			expected: []*Message{
				{Int: 1, Kind: Int, OriginalSize: 4},
				{Int: 2, Kind: Int, OriginalSize: 4},
				{Int: 3, Kind: Int, OriginalSize: 4},
				{Int: 4, Kind: Int, OriginalSize: 4},
				{Str: "hello", Kind: BulkString, OriginalSize: 11},
			},
		},
	}

	for name, testcase := range tests {
		t.Run(name, func(t *testing.T) {
			b := bytes.NewBufferString(testcase.input)

			r2 := bufio.NewReadWriter(bufio.NewReader(b), nil)
			result, err := newReader().Read(r2)

			assert.NilError(t, err)
			assert.Equal(t, len(result.Array), len(testcase.expected))
			assert.Equal(t, result.Kind, Array)
			for i, expected := range testcase.expected {
				assert.DeepEqual(t, result.Array[i], expected)
			}
		})
	}

}

func TestRead_Null(t *testing.T) {
	b := bytes.NewBufferString("_\r\n")

	r2 := bufio.NewReadWriter(bufio.NewReader(b), nil)
	result, err := newReader().Read(r2)

	assert.NilError(t, err)
	assert.Equal(t, result.Kind, Null)
}

func TestRead_Bool(t *testing.T) {
	t.Run("true", func(t *testing.T) {
		b := bytes.NewBufferString("#t\r\n")

		r2 := bufio.NewReadWriter(bufio.NewReader(b), nil)
		result, err := newReader().Read(r2)

		assert.NilError(t, err)
		assert.Equal(t, result.Bool, true)
	})

	t.Run("false", func(t *testing.T) {
		b := bytes.NewBufferString("#f\r\n")

		r2 := bufio.NewReadWriter(bufio.NewReader(b), nil)
		result, err := newReader().Read(r2)

		assert.NilError(t, err)
		assert.Equal(t, result.Kind, Bool)
		assert.Equal(t, result.Bool, false)
	})
}

func TestRead_Double(t *testing.T) {
	b := bytes.NewBufferString(",1.23\r\n")

	r2 := bufio.NewReadWriter(bufio.NewReader(b), nil)
	result, err := newReader().Read(r2)

	assert.NilError(t, err)
	assert.Equal(t, result.Kind, Double)
	assert.Equal(t, result.Double, 1.23)
	assert.Equal(t, result.Str, "1.23")
}

func TestRead_Verbatim(t *testing.T) {
	b := bytes.NewBufferString("=15\r\ntxt:Some string\r\n")

	r2 := bufio.NewReadWriter(bufio.NewReader(b), nil)
	result, err := newReader().Read(r2)

	assert.NilError(t, err)
	assert.Equal(t, result.Kind, VerbatimString)
	assert.Equal(t, result.VerbatimString.Encoding, "txt")
	assert.Equal(t, result.VerbatimString.Data, "Some string")
}

func TestWriteRead_RoundTrip(t *testing.T) {
	tests := map[string]*Message{
		"simple string": NewSimpleString("OK"),
		"error":         NewError(fmt.Errorf("WRONGTYPE bad op")),
		"int":           NewInt(42),
		"bulk string":   NewBulkString("hello world"),
		"array": NewArray(
			NewBulkString("SET"),
			NewBulkString("foo"),
			NewBulkString("bar"),
		),
		"null": {Kind: Null},
		"bool": {Kind: Bool, Bool: true},
	}

	for name, msg := range tests {
		t.Run(name, func(t *testing.T) {
			var buf bytes.Buffer
			rw := bufio.NewReadWriter(bufio.NewReader(&buf), bufio.NewWriter(&buf))

			_, err := newWriter().Write(rw, msg)
			assert.NilError(t, err)
			assert.NilError(t, rw.Flush())

			result, err := newReader().Read(rw)
			assert.NilError(t, err)
			assert.Equal(t, result.Kind, msg.Kind)
		})
	}
}

func TestCmd(t *testing.T) {
	t.Run("SET has a key", func(t *testing.T) {
		msg := NewOutgoingCommand("SET", "foo", "bar")
		cmd, err := msg.Cmd()
		assert.NilError(t, err)
		assert.Equal(t, cmd.Name, "SET")

		keys, err := cmd.Keys()
		assert.NilError(t, err)
		assert.DeepEqual(t, keys, []string{"foo"})
		assert.Equal(t, cmd.IsWrite(), true)
	})

	t.Run("REPLCONF is keyless and not a write", func(t *testing.T) {
		msg := NewOutgoingCommand("REPLCONF", "ACK", "100")
		cmd, err := msg.Cmd()
		assert.NilError(t, err)
		assert.Equal(t, cmd.Name, "REPLCONF")

		keys, err := cmd.Keys()
		assert.NilError(t, err)
		assert.Equal(t, len(keys), 0)
		assert.Equal(t, cmd.IsWrite(), false)
	})

	t.Run("RREPLAY is a write", func(t *testing.T) {
		msg := NewOutgoingCommand("RREPLAY", "uuid-1", "0", "*1\r\n$4\r\nPING\r\n")
		cmd, err := msg.Cmd()
		assert.NilError(t, err)
		assert.Equal(t, cmd.IsWrite(), true)
	})

	t.Run("empty array is rejected", func(t *testing.T) {
		msg := NewArray()
		_, err := msg.Cmd()
		assert.ErrorIs(t, err, ErrInvalidCommand)
	})
}

// Copyright 2025 Outreach Corporation. All Rights Reserved.

// Description:

// Package protocol:
package protocol

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"

	"github.com/awinterman/redikv/protocol/message"
)

// LogLevelTrace is below Debug and logs byte-level codec activity.
var LogLevelTrace = slog.Level(-8)

func NewConnection(conn io.ReadWriter) *Conn {
	c := Conn{
		RW:     bufio.NewReadWriter(bufio.NewReader(conn), bufio.NewWriter(conn)),
		Logger: slog.With("comp", "conn"),
	}
	return &c
}

// Conn represents a thread-safe connection that provides read, write, and
// logging capabilities. Reads and writes take separate locks so a blocked
// reader never stalls a writer; the replication stream relies on that.
//
// Reads are incremental: bytes are accumulated in an internal buffer and
// handed to the decoder until it yields a full frame, so a frame split
// across packets never corrupts framing state, and pipelined frames are
// consumed one at a time.
type Conn struct {
	RW     *bufio.ReadWriter
	Logger *slog.Logger

	rmu sync.Mutex
	buf []byte

	wmu sync.Mutex
}

// Read reads one message, blocking until a full frame has arrived.
func (conn *Conn) Read() (Message, error) {
	conn.rmu.Lock()
	defer conn.rmu.Unlock()

	for {
		if len(conn.buf) > 0 {
			m, n, state := message.Decode(conn.buf)
			switch state {
			case message.Done:
				conn.buf = conn.buf[n:]
				return m, nil
			case message.Malformed:
				conn.buf = nil
				return Message{}, NewProtocolError(fmt.Errorf("malformed frame"))
			}
		}
		if err := conn.fill(); err != nil {
			return Message{}, err
		}
	}
}

// fill appends at least one byte from the socket to the undecoded buffer.
// Callers hold rmu.
func (conn *Conn) fill() error {
	var p [4096]byte
	n, err := conn.RW.Read(p[:])
	slog.Log(context.Background(), LogLevelTrace, "read chunk", "bytes", n, "error", err)
	if n > 0 {
		conn.buf = append(conn.buf, p[:n]...)
		return nil
	}
	return err
}

// ReadSnapshot reads a bulk-framed opaque payload off the connection: the
// length header, then exactly that many raw bytes, untouched by the
// decoder. Any trailing CRLF is left in place; the decoder skips it on the
// next Read.
func (conn *Conn) ReadSnapshot() ([]byte, error) {
	conn.rmu.Lock()
	defer conn.rmu.Unlock()

	var header string
	for {
		for len(conn.buf) > 0 && (conn.buf[0] == '\r' || conn.buf[0] == '\n') {
			conn.buf = conn.buf[1:]
		}
		if i := bytes.Index(conn.buf, []byte(End)); i >= 0 {
			header = string(conn.buf[:i])
			conn.buf = conn.buf[i+len(End):]
			break
		}
		if err := conn.fill(); err != nil {
			return nil, err
		}
	}

	if len(header) < 2 || header[0] != byte(BulkString) {
		return nil, NewProtocolError(fmt.Errorf("expected bulk header, got %q", header))
	}
	n, err := strconv.ParseInt(header[1:], 10, 64)
	if err != nil || n < 0 {
		return nil, NewProtocolError(fmt.Errorf("bad bulk length %q", header[1:]))
	}

	payload := make([]byte, n)
	filled := copy(payload, conn.buf)
	conn.buf = conn.buf[filled:]
	if filled < len(payload) {
		if _, err := io.ReadFull(conn.RW, payload[filled:]); err != nil {
			return nil, err
		}
	}
	return payload, nil
}

// Write writes the provided Message to the connection and returns the number of bytes written or an error.
func (conn *Conn) Write(m Message) (int, error) {
	conn.wmu.Lock()
	defer conn.wmu.Unlock()
	return message.Encode(conn.RW, m)
}

// WriteRaw writes raw bytes, bypassing the encoder. Used for the snapshot
// payload, which is opaque binary.
func (conn *Conn) WriteRaw(b []byte) (int, error) {
	conn.wmu.Lock()
	defer conn.wmu.Unlock()
	return conn.RW.Write(b)
}

// Flush writes any buffered data to the underlying writer from the connection's read-write buffer.
func (conn *Conn) Flush() error {
	conn.wmu.Lock()
	defer conn.wmu.Unlock()
	return conn.RW.Flush()
}

func (conn *Conn) RoundTrip(msg Message) (Message, error) {
	_, err := conn.Write(msg)
	if err != nil {
		return Message{}, err
	}
	err = conn.Flush()
	if err != nil {
		return Message{}, err
	}
	resp, err := conn.Read()

	conn.Logger.Debug("command", "cmd", msg, "resp", resp, "err", err)
	return resp, err
}

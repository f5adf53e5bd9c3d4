package command

import (
	"github.com/awinterman/redikv/protocol"
)

// Sink is where a command's reply goes. Socket-backed for clients, silent
// when applying master-originated writes on a replica.
type Sink interface {
	Reply(m protocol.Message) error
}

// ConnSink writes replies to a client connection.
type ConnSink struct {
	Conn *protocol.Conn
}

func (s ConnSink) Reply(m protocol.Message) error {
	if _, err := s.Conn.Write(m); err != nil {
		return err
	}
	return s.Conn.Flush()
}

// SilentSink discards replies.
type SilentSink struct{}

func (SilentSink) Reply(protocol.Message) error { return nil }

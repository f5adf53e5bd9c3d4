// Copyright 2024 Outreach Corporation. All Rights Reserved.

// Description:

// Package protocol:
package protocol

import (
	"errors"
	"fmt"

	"github.com/awinterman/redikv/protocol/message"
)

// ErrKind classifies a protocol-visible failure. Each kind maps to exactly
// one wire reply string, except IOError which has no reply at all.
type ErrKind int

const (
	// ProtocolError is malformed framing; the connection is closed.
	ProtocolError ErrKind = iota
	// ArityError is a wrong number of arguments.
	ArityError
	// TypeMismatch is an operation against a key of the wrong type.
	TypeMismatch
	// ParseError is a numeric argument that does not parse.
	ParseError
	// ReadOnly is a write sent to a replica.
	ReadOnly
	// UnknownCommand is a command name the executor does not know.
	UnknownCommand
	// IOError is a socket or file failure; logged, never replied.
	IOError
)

// Err carries one failure kind plus the detail the reply string needs.
type Err struct {
	Kind ErrKind

	// Cmd is the command name, used by ArityError and UnknownCommand.
	Cmd string

	cause error
}

func (e *Err) Error() string {
	switch e.Kind {
	case ProtocolError:
		return "ERR Protocol error"
	case ArityError:
		return fmt.Sprintf("ERR wrong number of arguments for '%s' command", e.Cmd)
	case TypeMismatch:
		return "WRONGTYPE Operation against a key holding the wrong kind of value"
	case ParseError:
		return "ERR value is not an integer or out of range"
	case ReadOnly:
		return "READONLY You can't write against a read only replica."
	case UnknownCommand:
		return fmt.Sprintf("ERR unknown command '%s'", e.Cmd)
	case IOError:
		return fmt.Sprintf("io error: %v", e.cause)
	default:
		return "ERR unknown error"
	}
}

func (e *Err) Unwrap() error {
	return e.cause
}

// Reply is the wire form of the error. IOError has none; callers must not
// try to send it.
func (e *Err) Reply() Message {
	return message.Error(e.Error())
}

func NewProtocolError(cause error) *Err {
	return &Err{Kind: ProtocolError, cause: cause}
}

func NewArityError(cmd string) *Err {
	return &Err{Kind: ArityError, Cmd: cmd}
}

func NewTypeMismatch() *Err {
	return &Err{Kind: TypeMismatch}
}

func NewParseError(cause error) *Err {
	return &Err{Kind: ParseError, cause: cause}
}

func NewReadOnly() *Err {
	return &Err{Kind: ReadOnly}
}

func NewUnknownCommand(cmd string) *Err {
	return &Err{Kind: UnknownCommand, Cmd: cmd}
}

func NewIOError(cause error) *Err {
	return &Err{Kind: IOError, cause: cause}
}

// NewError creates a new Message with the Indicator set to Error. If err
// wraps a typed *Err, the message is that Err's wire reply; otherwise the
// provided error is assigned to the Error field.
func NewError(err error) Message {
	var perr *Err
	if errors.As(err, &perr) {
		return perr.Reply()
	}
	return Message{
		Kind:  Error,
		Error: err,
	}
}

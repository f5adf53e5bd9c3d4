// Copyright 2025 Outreach Corporation. All Rights Reserved.

// Description:

// Package command validates and executes decoded commands against the
// keyspace and writes the reply to a Sink.
package command

import (
	"errors"
	"log/slog"
	"strconv"

	"github.com/awinterman/redikv/protocol"
	"github.com/awinterman/redikv/protocol/message"
	"github.com/awinterman/redikv/store"
)

// Propagator receives every successfully executed write, in commit order.
type Propagator interface {
	PropagateWrite(cmd *protocol.Command)
}

type Executor struct {
	Keyspace *store.Keyspace

	// ReadOnly rejects writes, as a replica does for its clients.
	ReadOnly bool

	// Propagate fans writes out to replicas. Nil everywhere but on the
	// master's client path.
	Propagate Propagator

	Logger *slog.Logger
}

func (e *Executor) log() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

// Execute runs one command and sends its reply to sink. Only IO failures
// surface as an error; command-level failures become error replies.
func (e *Executor) Execute(cmd *protocol.Command, sink Sink) error {
	reply, err := e.run(cmd)
	if err != nil {
		e.log().Debug("command failed", "cmd", cmd.Name, "error", err)
		var perr *protocol.Err
		if errors.As(err, &perr) && perr.Kind == protocol.IOError {
			return err
		}
		return sink.Reply(protocol.NewError(err))
	}

	if cmd.IsWrite() && e.Propagate != nil {
		e.Propagate.PropagateWrite(cmd)
	}
	return sink.Reply(reply)
}

func (e *Executor) run(cmd *protocol.Command) (protocol.Message, error) {
	if e.ReadOnly && cmd.IsWrite() {
		return protocol.Message{}, protocol.NewReadOnly()
	}

	args := cmd.Args
	switch cmd.Name {
	case "PING":
		return message.SimpleString("PONG"), nil

	// HSET has no hash type behind it; it is carried as a SET alias.
	case "SET", "HSET":
		if len(args) != 2 {
			return protocol.Message{}, protocol.NewArityError(cmd.Name)
		}
		e.Keyspace.Set(args[0], args[1])
		return message.SimpleString("OK"), nil

	case "GET":
		if len(args) != 1 {
			return protocol.Message{}, protocol.NewArityError(cmd.Name)
		}
		v, ok, err := e.Keyspace.Get(args[0])
		if err != nil {
			return protocol.Message{}, mapStoreErr(err)
		}
		if !ok {
			return message.NullBulkString(), nil
		}
		return message.BulkString(v), nil

	case "EXISTS":
		if len(args) < 1 {
			return protocol.Message{}, protocol.NewArityError(cmd.Name)
		}
		return message.Int(e.Keyspace.Exists(args...)), nil

	case "DEL":
		if len(args) < 1 {
			return protocol.Message{}, protocol.NewArityError(cmd.Name)
		}
		return message.Int(e.Keyspace.Del(args...)), nil

	case "INCR", "DECR":
		if len(args) != 1 {
			return protocol.Message{}, protocol.NewArityError(cmd.Name)
		}
		step := e.Keyspace.Incr
		if cmd.Name == "DECR" {
			step = e.Keyspace.Decr
		}
		n, err := step(args[0])
		if err != nil {
			return protocol.Message{}, mapStoreErr(err)
		}
		return message.Int(n), nil

	case "LPUSH", "RPUSH":
		if len(args) < 2 {
			return protocol.Message{}, protocol.NewArityError(cmd.Name)
		}
		push := e.Keyspace.LPush
		if cmd.Name == "RPUSH" {
			push = e.Keyspace.RPush
		}
		n, err := push(args[0], args[1:]...)
		if err != nil {
			return protocol.Message{}, mapStoreErr(err)
		}
		return message.Int(n), nil

	case "LRANGE":
		if len(args) != 3 {
			return protocol.Message{}, protocol.NewArityError(cmd.Name)
		}
		start, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			return protocol.Message{}, protocol.NewParseError(err)
		}
		stop, err := strconv.ParseInt(args[2], 10, 64)
		if err != nil {
			return protocol.Message{}, protocol.NewParseError(err)
		}
		elems, err := e.Keyspace.LRange(args[0], start, stop)
		if err != nil {
			return protocol.Message{}, mapStoreErr(err)
		}
		out := make([]protocol.Message, 0, len(elems))
		for _, elem := range elems {
			out = append(out, message.BulkString(elem))
		}
		return message.Array(out...), nil

	default:
		return protocol.Message{}, protocol.NewUnknownCommand(cmd.Name)
	}
}

func mapStoreErr(err error) error {
	switch {
	case errors.Is(err, store.ErrWrongType):
		return protocol.NewTypeMismatch()
	case errors.Is(err, store.ErrNotInteger):
		return protocol.NewParseError(err)
	default:
		return err
	}
}

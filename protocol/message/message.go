// Copyright 2025 Outreach Corporation. All Rights Reserved.

// Description:

// Package message:
package message

import (
	"errors"
	"fmt"
	"strings"

	"github.com/awinterman/redikv/protocol/kind"
)

// Message is a composite type that represents a message in the protocol
// the Kind says which fields should be respected.
//
// where sensible, metadata about the original wire form is included in the
// struct, for example the total frame size in Size.
type Message struct {
	// Kind is what kind of message it is
	Kind kind.Kind

	// Simple types
	Str   string
	Error error
	Int   int64

	// Null marks a null bulk string ($-1)
	Null bool

	// Collection types
	Array []Message

	// Size is the wire length of the whole frame, including indicator
	// bytes, run lengths and line feeds.
	Size int64
}

func SimpleString(s string) Message {
	return Message{Kind: kind.SimpleString, Str: s}
}

func Error(s string) Message {
	return Message{Kind: kind.Error, Error: errors.New(s)}
}

func Int(i int64) Message {
	return Message{Kind: kind.Int, Int: i}
}

func BulkString(s string) Message {
	return Message{Kind: kind.BulkString, Str: s}
}

// NullBulkString is the missing-value reply, $-1.
func NullBulkString() Message {
	return Message{Kind: kind.BulkString, Null: true}
}

func Array(msgs ...Message) Message {
	return Message{Kind: kind.Array, Array: msgs}
}

// Command builds the canonical wire form of a command: an array of bulk
// strings, one per argument.
func Command(args ...string) Message {
	msgs := make([]Message, 0, len(args))
	for i := range args {
		msgs = append(msgs, BulkString(args[i]))
	}
	return Array(msgs...)
}

func (m Message) String() string {
	return fmt.Sprintf("%s%s", string(m.Kind), m.string())
}

func (m Message) string() string {
	switch m.Kind {
	case kind.SimpleString:
		return m.Str
	case kind.Error:
		return m.Error.Error()
	case kind.Int:
		return fmt.Sprintf("%d", m.Int)
	case kind.BulkString:
		if m.Null {
			return "<nil>"
		}
		return m.Str
	case kind.Array:
		var s []string
		for i := range m.Array {
			s = append(s, m.Array[i].String())
		}
		return strings.Join(s, " ")
	default:
		return fmt.Sprintf("Unknown %s", m.Kind)
	}
}

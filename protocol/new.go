// Copyright 2024 Outreach Corporation. All Rights Reserved.

// Description:

// Package protocol:
package protocol

import (
	"github.com/awinterman/redikv/protocol/message"
)

// NewArray creates a new Message with the Indicator set to Array and its
// Array field populated with the given messages.
func NewArray(messages ...Message) Message {
	return message.Array(messages...)
}

func NewBulkString(s string) Message {
	return message.BulkString(s)
}

// NewOutgoingCommand builds the canonical wire form of a command: an array
// of bulk strings, one per argument.
func NewOutgoingCommand(args ...string) Message {
	return message.Command(args...)
}

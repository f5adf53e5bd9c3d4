// Copyright 2025 Outreach Corporation. All Rights Reserved.

// Description:

// Package protocol:
package protocol

import (
	"github.com/awinterman/redikv/protocol/kind"
	"github.com/awinterman/redikv/protocol/message"
)

type Indicator = kind.Kind

const (
	End = "\r\n"

	SimpleString = kind.SimpleString
	Error        = kind.Error
	Int          = kind.Int
	BulkString   = kind.BulkString
	Array        = kind.Array
)

// Message is a composite type that represents a message in the protocol
// the Indicator says which fields should be respected.
type Message = message.Message

// Copyright 2025 Outreach Corporation. All Rights Reserved.

// Description:

// Package kind:
package kind

type Kind byte
type Category int

const (
	EOL = "\r\n"

	SimpleString Kind = '+'
	Error        Kind = '-'
	Int          Kind = ':'
	BulkString   Kind = '$'
	Array        Kind = '*'
)

const (
	CategorySimple int = iota
	CategoryAggregate
)

func (i Kind) Category() int {
	switch i {
	case SimpleString, Error, Int:
		return CategorySimple
	case Array, BulkString:
		return CategoryAggregate
	default:
		return -1
	}
}

func (i Kind) String() string {
	return Humanize(byte(i))
}

// Humanize returns a human-readable string for the indicator
func Humanize(indicator byte) string {
	switch Kind(indicator) {
	case SimpleString:
		return "SimpleString"
	case Error:
		return "Error"
	case Int:
		return "Int"
	case BulkString:
		return "Bulk"
	case Array:
		return "Seq"
	default:
		return "Unknown"
	}
}

package protocol

import (
	"errors"
	"fmt"
	"strings"

	"github.com/awinterman/redikv/protocol/message"
)

type Command struct {
	// Name is the uppercased name of the command
	Name string

	// Args are all the strings in the command after the name.
	Args []string

	// Message is the original message
	Message Message
}

// ErrInvalidCommand is returned when a command is invalid
var ErrInvalidCommand = errors.New("invalid command")

// writeCommands is the set of commands that mutate the keyspace and must be
// propagated to replicas. HSET is carried as a SET alias.
var writeCommands = map[string]bool{
	"SET": true, "DEL": true, "INCR": true, "DECR": true,
	"LPUSH": true, "RPUSH": true, "HSET": true,
}

// replicationCommands are routed to the replication controller or client
// rather than the keyspace.
var replicationCommands = map[string]bool{
	"PSYNC": true, "REPLCONF": true, "INFO": true, "WAIT": true,
	"REPLICA": true, "REPLICAS": true,
}

// Cmd reads a command from the msg.
//
// Clients send commands to the server as an array of bulk strings. The
// first bulk string in the array is the command's name, compared
// case-insensitively. Subsequent elements of the array are the arguments
// for the command.
func Cmd(msg Message) (*Command, error) {
	cmd := &Command{}
	cmd.Message = msg

	if msg.Kind != Array {
		return nil, fmt.Errorf("%w; expected array got %s", ErrInvalidCommand, msg.Kind)
	}
	if len(msg.Array) == 0 {
		return nil, fmt.Errorf("%w; expected non-empty array", ErrInvalidCommand)
	}

	for i := 0; i < len(msg.Array); i++ {
		if msg.Array[i].Kind != BulkString {
			return nil, fmt.Errorf("%w; expected BulkString for %d-th element of message, got %s",
				ErrInvalidCommand, i, msg.Array[i].Kind)
		}
	}

	if cmd.Name = strings.ToUpper(msg.Array[0].Str); cmd.Name == "" {
		return nil, fmt.Errorf("%w; expected non-empty string for command name", ErrInvalidCommand)
	}

	for i := 1; i < len(msg.Array); i++ {
		cmd.Args = append(cmd.Args, msg.Array[i].Str)
	}

	return cmd, nil
}

// IsWrite says whether the command would result in a write if executed
func (cmd *Command) IsWrite() bool {
	return writeCommands[cmd.Name]
}

// IsReplication says whether the command belongs to the replication or
// administration surface.
func (cmd *Command) IsReplication() bool {
	return replicationCommands[cmd.Name]
}

// Wire is the canonical form that is propagated to replicas and counted
// toward the replication offset.
func (cmd *Command) Wire() Message {
	args := make([]string, 0, len(cmd.Args)+1)
	args = append(args, cmd.Name)
	args = append(args, cmd.Args...)
	return message.Command(args...)
}

package protocol

import (
	"testing"

	"github.com/awinterman/redikv/protocol/message"
	"gotest.tools/v3/assert"
)

func TestCmd(t *testing.T) {
	t.Run("uppercases the name and splits args", func(t *testing.T) {
		cmd, err := Cmd(message.Command("set", "hello", "world"))
		assert.NilError(t, err)
		assert.Equal(t, cmd.Name, "SET")
		assert.DeepEqual(t, cmd.Args, []string{"hello", "world"})
	})

	t.Run("rejects non-arrays", func(t *testing.T) {
		_, err := Cmd(message.SimpleString("PING"))
		assert.ErrorIs(t, err, ErrInvalidCommand)
	})

	t.Run("rejects empty arrays", func(t *testing.T) {
		_, err := Cmd(message.Array())
		assert.ErrorIs(t, err, ErrInvalidCommand)
	})

	t.Run("rejects non-bulk elements", func(t *testing.T) {
		_, err := Cmd(message.Array(message.Int(1)))
		assert.ErrorIs(t, err, ErrInvalidCommand)
	})
}

func TestCommand_IsWrite(t *testing.T) {
	writes := []string{"SET", "DEL", "INCR", "DECR", "LPUSH", "RPUSH", "HSET"}
	for _, name := range writes {
		cmd := &Command{Name: name}
		assert.Assert(t, cmd.IsWrite(), name)
	}

	reads := []string{"GET", "EXISTS", "LRANGE", "PING", "INFO", "WAIT"}
	for _, name := range reads {
		cmd := &Command{Name: name}
		assert.Assert(t, !cmd.IsWrite(), name)
	}
}

func TestCommand_IsReplication(t *testing.T) {
	for _, name := range []string{"PSYNC", "REPLCONF", "INFO", "WAIT", "REPLICA", "REPLICAS"} {
		cmd := &Command{Name: name}
		assert.Assert(t, cmd.IsReplication(), name)
	}
	for _, name := range []string{"SET", "GET", "PING"} {
		cmd := &Command{Name: name}
		assert.Assert(t, !cmd.IsReplication(), name)
	}
}

func TestCommand_Wire(t *testing.T) {
	cmd, err := Cmd(message.Command("set", "k", "v"))
	assert.NilError(t, err)

	wire := message.Append(nil, cmd.Wire())
	assert.Equal(t, string(wire), "*3\r\n$3\r\nSET\r\n$1\r\nk\r\n$1\r\nv\r\n")
}

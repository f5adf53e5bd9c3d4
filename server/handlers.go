package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"strings"

	"github.com/awinterman/redikv/command"
	"github.com/awinterman/redikv/protocol"
	"github.com/awinterman/redikv/protocol/message"
	"github.com/awinterman/redikv/replication"
)

// masterHandler serves one master-side connection: data commands go to the
// executor, the replication surface goes to the controller. A connection
// that issued PSYNC stays in this loop, feeding the controller ACKs.
type masterHandler struct {
	master  *replication.Master
	exec    *command.Executor
	maxSize int64
	log     *slog.Logger
}

func (h *masterHandler) handle(ctx context.Context, raw net.Conn) error {
	defer raw.Close()
	stop := context.AfterFunc(ctx, func() { _ = raw.Close() })
	defer stop()

	conn := protocol.NewConnection(raw)
	sess := &replication.Session{}
	sink := command.ConnSink{Conn: conn}

	for ctx.Err() == nil {
		cmd, ok := readCommand(conn, h.maxSize, h.log)
		if !ok {
			return nil
		}
		if cmd == nil {
			continue
		}

		var err error
		if cmd.IsReplication() {
			err = h.master.HandleAdmin(cmd, conn, raw, sess)
		} else {
			err = h.exec.Execute(cmd, sink)
		}
		if err != nil {
			h.log.Debug("connection error", "remote", raw.RemoteAddr(), "error", err)
			return nil
		}
	}
	return nil
}

// replicaHandler serves one replica-side connection. A connection is
// treated as the master only once its peer IP matches the configured
// master host and it has identified itself with REPLCONF master-runid;
// the IP match alone is too weak, since any client on the master's host
// would pass it. Master connections apply writes silently and are
// acknowledged with +OK; client connections get reads only.
type replicaHandler struct {
	replica *replication.Replica
	exec    *command.Executor
	maxSize int64
	log     *slog.Logger
}

func (h *replicaHandler) handle(ctx context.Context, raw net.Conn) error {
	defer raw.Close()
	stop := context.AfterFunc(ctx, func() { _ = raw.Close() })
	defer stop()

	conn := protocol.NewConnection(raw)
	sink := command.ConnSink{Conn: conn}
	peerIsMaster := h.replica.IsMasterPeer(raw.RemoteAddr())
	fromMaster := false

	for ctx.Err() == nil {
		cmd, ok := readCommand(conn, h.maxSize, h.log)
		if !ok {
			return nil
		}
		if cmd == nil {
			continue
		}

		if !fromMaster && peerIsMaster && identifiesMaster(cmd) {
			fromMaster = true
			h.log.Info("master link identified", "remote", raw.RemoteAddr())
			if err := writeReply(conn, message.SimpleString("OK")); err != nil {
				return nil
			}
			continue
		}

		var err error
		switch {
		case fromMaster:
			err = h.fromMaster(cmd, conn)

		case cmd.IsReplication():
			err = h.replica.HandleAdmin(cmd, conn)

		default:
			err = h.exec.Execute(cmd, sink)
		}
		if err != nil {
			h.log.Debug("connection error", "remote", raw.RemoteAddr(), "error", err)
			return nil
		}
	}
	return nil
}

// identifiesMaster is the REPLCONF master-id/master-runid handshake step.
func identifiesMaster(cmd *protocol.Command) bool {
	if cmd.Name != "REPLCONF" || len(cmd.Args) < 2 {
		return false
	}
	sub := strings.ToUpper(cmd.Args[0])
	return sub == "MASTER-ID" || sub == "MASTER-RUNID"
}

// fromMaster handles a frame on an inbound master connection. The
// command's own reply is suppressed; the socket gets a bare transport
// acknowledgment, which is what the master-initiated handshake awaits.
func (h *replicaHandler) fromMaster(cmd *protocol.Command, conn *protocol.Conn) error {
	switch {
	case cmd.Name == "PING":
		return writeReply(conn, message.SimpleString("PONG"))

	case cmd.Name == "REPLCONF" && len(cmd.Args) >= 1 && strings.EqualFold(cmd.Args[0], "GETACK"):
		return writeReply(conn, h.replica.AckMessage())

	case cmd.Name == "REPLCONF":
		return writeReply(conn, message.SimpleString("OK"))

	case cmd.IsWrite():
		if err := h.replica.ApplyFromMaster(cmd); err != nil {
			h.log.Error("apply from master failed", "cmd", cmd.Name, "error", err)
		}
		return writeReply(conn, message.SimpleString("OK"))

	default:
		return writeReply(conn, message.SimpleString("OK"))
	}
}

// readCommand reads and parses one command. ok=false closes the
// connection; a nil command with ok=true means reply-and-continue already
// happened.
func readCommand(conn *protocol.Conn, maxSize int64, log *slog.Logger) (*protocol.Command, bool) {
	msg, err := conn.Read()
	if err != nil {
		var perr *protocol.Err
		if errors.As(err, &perr) && perr.Kind == protocol.ProtocolError {
			_ = writeReply(conn, perr.Reply())
		}
		return nil, false
	}
	if maxSize > 0 && msg.Size > maxSize {
		log.Warn("oversized frame", "size", msg.Size, "max", maxSize)
		_ = writeReply(conn, message.Error("ERR request exceeds proto-max-bulk-len"))
		return nil, false
	}

	cmd, err := protocol.Cmd(msg)
	if err != nil {
		if werr := writeReply(conn, message.Error("ERR invalid request")); werr != nil {
			return nil, false
		}
		return nil, true
	}
	return cmd, true
}

func writeReply(conn *protocol.Conn, m protocol.Message) error {
	if _, err := conn.Write(m); err != nil {
		return err
	}
	return conn.Flush()
}

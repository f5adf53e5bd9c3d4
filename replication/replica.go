// Copyright 2024 Outreach Corporation. All Rights Reserved.

// Description:

package replication

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/awinterman/redikv/protocol"
	"github.com/awinterman/redikv/protocol/message"
	"github.com/awinterman/redikv/store"
)

// ackInterval is how often the replica volunteers its applied offset.
const ackInterval = 900 * time.Millisecond

// reconnectFloor and reconnectCeil bound the backoff between attempts to
// re-establish the master link.
const (
	reconnectFloor = 500 * time.Millisecond
	reconnectCeil  = 10 * time.Second
)

// Replica maintains the outbound link to the master: handshake, snapshot
// ingestion, and the stream apply loop. It also answers the read-only
// client surface's replication queries.
type Replica struct {
	Dialer     net.Dialer
	MasterAddr string

	// ListenAddr is this replica's own client-facing address, announced
	// to the master as listening-port.
	ListenAddr string

	Keyspace *store.Keyspace

	// Apply executes one master-originated command against the keyspace
	// with a silent sink.
	Apply func(cmd *protocol.Command) error

	Logger *slog.Logger

	// Offset is the byte length of the master stream applied so far.
	Offset        atomic.Int64
	ReplicationID atomic.Pointer[string]

	masterLink atomic.Bool
	lastIO     atomic.Int64

	signal
}

// signal is a struct used to manage a one-time signaling mechanism with thread-safety.
// It offers a single broadcast operation and provides synchronization using a channel.
type signal struct {
	ch        chan struct{}
	once      sync.Once
	didSignal atomic.Bool
	mu        sync.Mutex
}

// Broadcast signals all goroutines waiting on the signal by closing the channel, ensuring it happens only once.
func (s *signal) Broadcast() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ch == nil {
		s.ch = make(chan struct{})
	}
	s.once.Do(func() {
		close(s.ch)
		s.didSignal.Store(true)
	})
}

// ReplicationStartedCh returns a channel that closes once the first sync
// with the master has completed. The channel is lazily initialized if nil.
func (s *Replica) ReplicationStartedCh() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ch == nil {
		s.ch = make(chan struct{})
	}
	return s.ch
}

// pointer returns a pointer to the given value of type T.
func pointer[T any](t T) *T {
	return &t
}

// Run keeps the master link alive until the context ends, reconnecting
// with capped exponential backoff after every failure, including a failed
// snapshot load.
func (s *Replica) Run(ctx context.Context) error {
	s.ReplicationID.CompareAndSwap(nil, pointer(""))
	backoff := reconnectFloor

	for ctx.Err() == nil {
		started := time.Now()
		err := s.syncOnce(ctx)
		if ctx.Err() != nil {
			break
		}
		if time.Since(started) > reconnectCeil {
			backoff = reconnectFloor
		}
		s.Logger.Warn("master link lost; reconnecting", "error", err, "backoff", backoff)
		select {
		case <-ctx.Done():
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, reconnectCeil)
	}
	return ctx.Err()
}

// syncOnce runs one full life of the master link: dial, handshake, resync,
// then the stream apply loop. It returns when the link dies.
func (s *Replica) syncOnce(ctx context.Context) error {
	raw, err := s.Dialer.DialContext(ctx, "tcp", s.MasterAddr)
	if err != nil {
		return err
	}
	defer raw.Close()
	defer s.masterLink.Store(false)

	if tcp, ok := raw.(*net.TCPConn); ok {
		_ = tcp.SetKeepAlive(true)
	}

	stop := context.AfterFunc(ctx, func() { _ = raw.Close() })
	defer stop()

	conn := protocol.NewConnection(raw)
	conn.Logger = s.Logger

	if err := s.handshake(conn); err != nil {
		return err
	}
	if err := s.resync(conn); err != nil {
		return err
	}

	s.masterLink.Store(true)
	s.lastIO.Store(time.Now().Unix())
	s.signal.Broadcast()

	// when we exit, try to send the last stored replication offset.
	defer s.sendAck(conn)

	// a goroutine that regularly sends the offset to the master.
	ackCtx, cancelAcks := context.WithCancel(ctx)
	defer cancelAcks()
	go func() {
		for {
			select {
			case <-ackCtx.Done():
				return
			case <-time.After(ackInterval):
				if err := s.sendAck(conn); err != nil {
					s.Logger.Error("replconf ack", "err", err)
					return
				}
			}
		}
	}()

	return s.streamUpdates(ctx, conn)
}

// handshake is the replica-initiated dance: PING, listening-port,
// capabilities, then PSYNC with whatever identity we hold.
func (s *Replica) handshake(conn *protocol.Conn) error {
	_, port, err := net.SplitHostPort(s.ListenAddr)
	if err != nil {
		return err
	}

	steps := [][]string{
		{"PING"},
		{"REPLCONF", "listening-port", port},
		{"REPLCONF", "capa", "eof", "capa", "psync2"},
	}
	for _, step := range steps {
		resp, err := conn.RoundTrip(protocol.NewOutgoingCommand(step...))
		if err != nil {
			return fmt.Errorf("%w during %s handshake step", err, step[0])
		}
		if resp.Kind == protocol.Error {
			return fmt.Errorf("handshake step %s rejected: %s", step[0], resp)
		}
	}

	replid := *s.ReplicationID.Load()
	if replid == "" {
		replid = "?"
	}
	psync := protocol.NewOutgoingCommand("PSYNC", replid, strconv.FormatInt(s.Offset.Load(), 10))
	if _, err := conn.Write(psync); err != nil {
		return err
	}
	return conn.Flush()
}

// resync reads the master's PSYNC verdict. On FULLRESYNC the snapshot is
// spooled to a temp file and handed to the keyspace loader; on CONTINUE
// the stream picks up from the offset we already hold.
func (s *Replica) resync(conn *protocol.Conn) error {
	resp, err := conn.Read()
	if err != nil {
		return fmt.Errorf("%w reading PSYNC response", err)
	}
	if resp.Kind != protocol.SimpleString {
		return fmt.Errorf("unexpected PSYNC response: %s", resp)
	}

	split := strings.Split(resp.Str, " ")
	switch split[0] {
	case "FULLRESYNC":
		if len(split) < 3 {
			return fmt.Errorf("invalid FULLRESYNC response %q", resp.Str)
		}
		offset, err := strconv.ParseInt(split[2], 10, 64)
		if err != nil {
			return err
		}
		s.ReplicationID.Store(&split[1])
		s.Offset.Store(offset)
		s.Logger.Info("full resync", "replid", split[1], "offset", offset)
		return s.loadSnapshot(conn)

	case "CONTINUE":
		if len(split) < 2 {
			return fmt.Errorf("invalid CONTINUE response %q", resp.Str)
		}
		s.ReplicationID.Store(&split[1])
		s.Logger.Info("partial resync", "replid", split[1], "offset", s.Offset.Load())
		return nil

	default:
		return fmt.Errorf("unexpected PSYNC response: %s", resp)
	}
}

// loadSnapshot reads the bulk-framed snapshot off the connection, spools
// it through a temp file and loads it into the keyspace. The temp file is
// removed either way.
func (s *Replica) loadSnapshot(conn *protocol.Conn) error {
	payload, err := conn.ReadSnapshot()
	if err != nil {
		return fmt.Errorf("%w receiving snapshot", err)
	}
	s.Logger.Info("snapshot received", "bytes", len(payload))

	f, err := os.CreateTemp("", "redikv-rdb-*")
	if err != nil {
		return err
	}
	tmp := f.Name()
	defer os.Remove(tmp)

	_, err = f.Write(payload)
	if err2 := f.Close(); err == nil {
		err = err2
	}
	if err != nil {
		return err
	}

	if err := s.Keyspace.Load(tmp); err != nil {
		return fmt.Errorf("%w loading snapshot", err)
	}
	return nil
}

// streamUpdates applies the master's command stream. Only command frames
// advance the applied offset; simple-string chatter (the master's +OK
// answers to our ACKs) does not.
func (s *Replica) streamUpdates(ctx context.Context, conn *protocol.Conn) error {
	for ctx.Err() == nil {
		read, err := conn.Read()
		if err != nil {
			return fmt.Errorf("%w reading message", err)
		}
		s.lastIO.Store(time.Now().Unix())
		s.Logger.Debug("replication", "msg", read)

		switch read.Kind {
		case protocol.SimpleString:
			continue

		case protocol.Error:
			return fmt.Errorf("master error: %s", read)

		case protocol.Array:
			cmd, err := protocol.Cmd(read)
			if err != nil {
				s.Logger.Warn("unparseable frame from master", "msg", read, "error", err)
				continue
			}
			s.Offset.Add(read.Size)

			switch {
			case cmd.Name == "PING":
				// heartbeat; counted, not applied

			case cmd.Name == "REPLCONF" && len(cmd.Args) >= 1 && strings.EqualFold(cmd.Args[0], "GETACK"):
				if err := s.sendAck(conn); err != nil {
					return err
				}

			default:
				if err := s.Apply(cmd); err != nil {
					s.Logger.Error("apply failed", "cmd", cmd.Name, "error", err)
				}
			}
		}
	}
	return ctx.Err()
}

// sendAck volunteers the applied offset. Write-only: the master's +OK
// comes back interleaved with the stream and is skipped there.
func (s *Replica) sendAck(conn *protocol.Conn) error {
	_, err := conn.Write(s.AckMessage())
	if err != nil {
		return err
	}
	return conn.Flush()
}

// AckMessage is REPLCONF ACK <applied offset>.
func (s *Replica) AckMessage() protocol.Message {
	return protocol.NewOutgoingCommand("REPLCONF", "ACK", strconv.FormatInt(s.Offset.Load(), 10))
}

// ApplyFromMaster handles a command arriving on an inbound connection that
// was classified as the master. Writes are applied silently and advance
// the applied offset by the frame length, matching what the master counts.
func (s *Replica) ApplyFromMaster(cmd *protocol.Command) error {
	if !cmd.IsWrite() {
		return nil
	}
	s.Offset.Add(cmd.Message.Size)
	s.lastIO.Store(time.Now().Unix())
	return s.Apply(cmd)
}

// IsMasterPeer reports whether remote is the configured master, by peer IP
// match against the master host or anything it resolves to.
func (s *Replica) IsMasterPeer(remote net.Addr) bool {
	masterHost, _, err := net.SplitHostPort(s.MasterAddr)
	if err != nil || masterHost == "" {
		return false
	}
	peerHost, _, err := net.SplitHostPort(remote.String())
	if err != nil {
		return false
	}
	if peerHost == masterHost {
		return true
	}

	peerIPs, err := net.LookupHost(peerHost)
	if err != nil {
		peerIPs = []string{peerHost}
	}
	masterIPs, err := net.LookupHost(masterHost)
	if err != nil {
		return false
	}
	for _, mip := range masterIPs {
		for _, pip := range peerIPs {
			if mip == pip {
				return true
			}
		}
	}
	return false
}

// Info is the replication section of the INFO document, replica flavour.
func (s *Replica) Info() protocol.Message {
	masterHost, masterPort, _ := net.SplitHostPort(s.MasterAddr)
	if masterHost == "" {
		masterHost = "none"
	}
	if masterPort == "" {
		masterPort = "0"
	}
	linkStatus := "down"
	if s.masterLink.Load() {
		linkStatus = "up"
	}
	lastIO := time.Now().Unix() - s.lastIO.Load()
	replid := ""
	if p := s.ReplicationID.Load(); p != nil {
		replid = *p
	}
	offset := s.Offset.Load()

	var b strings.Builder
	b.WriteString("# Replication\r\n")
	b.WriteString("role:slave\r\n")
	b.WriteString("master_host:" + masterHost + "\r\n")
	b.WriteString("master_port:" + masterPort + "\r\n")
	b.WriteString("master_link_status:" + linkStatus + "\r\n")
	fmt.Fprintf(&b, "master_last_io_seconds_ago:%d\r\n", lastIO)
	b.WriteString("master_sync_in_progress:0\r\n")
	fmt.Fprintf(&b, "slave_repl_offset:%d\r\n", offset)
	b.WriteString("slave_priority:100\r\n")
	b.WriteString("slave_read_only:1\r\n")
	b.WriteString("connected_slaves:0\r\n")
	b.WriteString("master_replid:" + replid + "\r\n")
	b.WriteString("master_replid2:0000000000000000000000000000000000000000\r\n")
	fmt.Fprintf(&b, "master_repl_offset:%d\r\n", offset)
	b.WriteString("second_repl_offset:-1\r\n")
	b.WriteString("repl_backlog_active:1\r\n")
	b.WriteString("repl_backlog_size:1048576\r\n")
	b.WriteString("repl_backlog_first_byte_offset:0\r\n")
	fmt.Fprintf(&b, "repl_backlog_histlen:%d\r\n", offset)
	return message.BulkString(b.String())
}

// HandleAdmin answers the replication surface for a replica's own client
// connections.
func (s *Replica) HandleAdmin(cmd *protocol.Command, conn *protocol.Conn) error {
	switch cmd.Name {
	case "INFO":
		return reply(conn, s.Info())

	case "REPLCONF":
		if len(cmd.Args) >= 1 && strings.EqualFold(cmd.Args[0], "GETACK") {
			return reply(conn, s.AckMessage())
		}
		return reply(conn, message.SimpleString("OK"))

	case "WAIT":
		// a replica has no replicas of its own
		return reply(conn, message.Int(0))

	case "PSYNC":
		return reply(conn, message.Error("ERR Can't PSYNC with a replica. If you want to subscribe to this replica's replication stream, use the SUBSCRIBE command."))

	default:
		return reply(conn, protocol.NewError(protocol.NewUnknownCommand(cmd.Name)))
	}
}

// Copyright 2024 Outreach Corporation. All Rights Reserved.

// Description:

package replication

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sourcegraph/conc/pool"

	"github.com/awinterman/redikv/protocol"
	"github.com/awinterman/redikv/protocol/message"
	"github.com/awinterman/redikv/store"
)

// waitPollInterval is how often WAIT re-counts acknowledged replicas while
// it still has timeout budget left.
const waitPollInterval = 10 * time.Millisecond

// handshakeTimeout bounds the blocking round trips of a master-initiated
// handshake so a dead replica cannot stall the write path forever.
const handshakeTimeout = 5 * time.Second

// ReplicaInfo is the master's bookkeeping for one replica, indexed by
// (host, port).
type ReplicaInfo struct {
	Host      string
	Port      int
	Connected bool

	// AckOffset is the highest replication offset this replica is known
	// to have received. Bumped optimistically on successful sends and
	// authoritatively by REPLCONF ACK.
	AckOffset int64

	conn *protocol.Conn
	raw  net.Conn
}

// Session is per-connection state the master keeps between a REPLCONF and
// the PSYNC that follows it on the same socket.
type Session struct {
	ListeningPort int
}

// Master tracks replicas, performs handshakes, streams writes and answers
// the replication surface: PSYNC, REPLCONF, INFO, WAIT.
type Master struct {
	// RunID is the immutable 40-hex-digit identity of this process.
	RunID    string
	MasterID string

	// ListenPort is advertised to replicas during the master-initiated
	// handshake.
	ListenPort int

	Keyspace *store.Keyspace
	Logger   *slog.Logger
	Dialer   net.Dialer

	mu       sync.Mutex
	replicas []*ReplicaInfo
	offset   int64
}

func NewMaster(ks *store.Keyspace, listenPort int) *Master {
	return &Master{
		RunID:      NewRunID(),
		MasterID:   fmt.Sprintf("master_%d", os.Getpid()),
		ListenPort: listenPort,
		Keyspace:   ks,
		Logger:     slog.With("comp", "replication-master"),
		Dialer:     net.Dialer{Timeout: 2 * time.Second},
	}
}

// Offset is the cumulative byte length of every propagated write.
func (m *Master) Offset() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.offset
}

// AddReplica registers a static replica and tries to connect right away.
// A failed connect is not fatal; the next write retries lazily.
func (m *Master) AddReplica(host string, port int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.findLocked(host, port) != nil {
		m.Logger.Warn("replica already registered", "host", host, "port", port)
		return
	}
	r := &ReplicaInfo{Host: host, Port: port}
	m.replicas = append(m.replicas, r)

	if err := m.connectLocked(r); err != nil {
		m.Logger.Warn("replica connect failed; will retry on next write",
			"host", host, "port", port, "error", err)
	}
}

func (m *Master) findLocked(host string, port int) *ReplicaInfo {
	for _, r := range m.replicas {
		if r.Host == host && r.Port == port {
			return r
		}
	}
	return nil
}

// connectLocked dials the replica and runs the master-initiated handshake:
// PING, listening-port, capabilities, then master identity. Any failure
// closes the socket and leaves the replica disconnected. Callers hold mu.
func (m *Master) connectLocked(r *ReplicaInfo) error {
	raw, err := m.Dialer.Dial("tcp", net.JoinHostPort(r.Host, strconv.Itoa(r.Port)))
	if err != nil {
		return err
	}
	if tcp, ok := raw.(*net.TCPConn); ok {
		_ = tcp.SetKeepAlive(true)
	}
	conn := protocol.NewConnection(raw)

	steps := [][]string{
		{"PING"},
		{"REPLCONF", "listening-port", strconv.Itoa(m.ListenPort)},
		{"REPLCONF", "capa", "eof", "capa", "psync2"},
		{"REPLCONF", "master-id", m.MasterID, "master-runid", m.RunID},
	}
	_ = raw.SetDeadline(time.Now().Add(handshakeTimeout))
	for _, step := range steps {
		resp, err := conn.RoundTrip(protocol.NewOutgoingCommand(step...))
		if err != nil {
			_ = raw.Close()
			return fmt.Errorf("%w during %s handshake step", err, step[0])
		}
		if resp.Kind == protocol.Error {
			_ = raw.Close()
			return fmt.Errorf("handshake step %s rejected: %s", step[0], resp)
		}
	}
	_ = raw.SetDeadline(time.Time{})

	r.conn = conn
	r.raw = raw
	r.Connected = true
	r.AckOffset = m.offset
	go m.readAcks(r, conn)

	m.Logger.Info("replica handshake complete", "host", r.Host, "port", r.Port)
	return nil
}

// readAcks drains a master-initiated replica socket. Replicas answer every
// fanned-out frame with +OK and volunteer REPLCONF ACK frames; everything
// else is discarded.
func (m *Master) readAcks(r *ReplicaInfo, conn *protocol.Conn) {
	for {
		msg, err := conn.Read()
		if err != nil {
			m.mu.Lock()
			if r.conn == conn {
				r.Connected = false
			}
			m.mu.Unlock()
			return
		}
		cmd, err := protocol.Cmd(msg)
		if err != nil {
			continue
		}
		if cmd.Name == "REPLCONF" && len(cmd.Args) >= 2 && strings.EqualFold(cmd.Args[0], "ACK") {
			n, err := strconv.ParseInt(cmd.Args[1], 10, 64)
			if err != nil {
				continue
			}
			m.mu.Lock()
			if r.conn == conn && n > r.AckOffset {
				r.AckOffset = n
			}
			m.mu.Unlock()
		}
	}
}

func (m *Master) disconnectLocked(r *ReplicaInfo) {
	if r.raw != nil {
		_ = r.raw.Close()
	}
	r.raw = nil
	r.conn = nil
	r.Connected = false
}

// PropagateWrite serialises the command's canonical form, commits its byte
// length to the replication offset, then fans it out. The whole fan-out
// happens inside the write critical section, so every replica observes
// frames in commit order.
func (m *Master) PropagateWrite(cmd *protocol.Command) {
	payload := message.Append(nil, cmd.Wire())

	m.mu.Lock()
	defer m.mu.Unlock()
	m.offset += int64(len(payload))

	if len(m.replicas) == 0 {
		return
	}
	p := pool.New().WithMaxGoroutines(len(m.replicas))
	for _, r := range m.replicas {
		p.Go(func() {
			m.fanOutLocked(r, payload)
		})
	}
	p.Wait()
}

// fanOutLocked sends one frame to one replica: reconnect if needed, one
// retry after a failed send, and after a second failure the frame is lost
// for that replica until a resync. Runs with mu held by PropagateWrite.
func (m *Master) fanOutLocked(r *ReplicaInfo, payload []byte) {
	if !r.Connected {
		if err := m.connectLocked(r); err != nil {
			m.Logger.Warn("replica unreachable", "host", r.Host, "port", r.Port, "error", err)
			return
		}
	}

	if err := sendPayload(r.conn, payload); err != nil {
		m.Logger.Warn("send failed; reconnecting", "host", r.Host, "port", r.Port, "error", err)
		m.disconnectLocked(r)
		if err := m.connectLocked(r); err != nil {
			return
		}
		if err := sendPayload(r.conn, payload); err != nil {
			m.Logger.Error("command lost for replica", "host", r.Host, "port", r.Port, "error", err)
			m.disconnectLocked(r)
			return
		}
	}
	r.AckOffset += int64(len(payload))
}

func sendPayload(conn *protocol.Conn, payload []byte) error {
	if _, err := conn.WriteRaw(payload); err != nil {
		return err
	}
	return conn.Flush()
}

// HandleAdmin routes one replication or administration command arriving on
// a client connection and writes the reply itself.
func (m *Master) HandleAdmin(cmd *protocol.Command, conn *protocol.Conn, raw net.Conn, sess *Session) error {
	switch cmd.Name {
	case "PSYNC":
		return m.handlePSYNC(cmd, conn, raw, sess)
	case "REPLCONF":
		return m.handleREPLCONF(cmd, conn, sess)
	case "INFO":
		return reply(conn, m.Info())
	case "WAIT":
		return m.handleWAIT(cmd, conn)
	case "REPLICA":
		return m.handleREPLICA(cmd, conn)
	case "REPLICAS":
		return reply(conn, message.BulkString(m.replicaListing()))
	default:
		return reply(conn, protocol.NewError(protocol.NewUnknownCommand(cmd.Name)))
	}
}

// handlePSYNC decides between a full and a partial resync. With no backlog
// buffer, continuing from anything but the exact current offset would
// silently lose writes, so any gap forces a full resync.
func (m *Master) handlePSYNC(cmd *protocol.Command, conn *protocol.Conn, raw net.Conn, sess *Session) error {
	if len(cmd.Args) < 2 {
		return reply(conn, protocol.NewError(protocol.NewArityError("PSYNC")))
	}
	replid := cmd.Args[0]
	reqOffset, err := strconv.ParseInt(cmd.Args[1], 10, 64)
	if err != nil {
		return reply(conn, message.Error("ERR invalid PSYNC offset"))
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	current := m.offset

	host, peerPort := peerAddr(raw)
	port := sess.ListeningPort
	if port == 0 {
		port = peerPort
	}

	if replid == m.RunID && reqOffset == current {
		if err := reply(conn, message.SimpleString("CONTINUE "+m.RunID)); err != nil {
			return err
		}
		r := m.registerLocked(host, port, conn, raw)
		r.AckOffset = reqOffset
		m.Logger.Info("partial resync", "host", host, "port", port, "offset", reqOffset)
		return nil
	}

	if err := reply(conn, message.SimpleString(fmt.Sprintf("FULLRESYNC %s %d", m.RunID, current))); err != nil {
		return err
	}
	snapshot, err := m.Keyspace.SnapshotBytes()
	if err != nil {
		return err
	}
	if _, err := conn.WriteRaw([]byte(fmt.Sprintf("$%d\r\n", len(snapshot)))); err != nil {
		return err
	}
	if _, err := conn.WriteRaw(snapshot); err != nil {
		return err
	}
	if _, err := conn.WriteRaw([]byte(protocol.End)); err != nil {
		return err
	}
	if err := conn.Flush(); err != nil {
		return err
	}

	r := m.registerLocked(host, port, conn, raw)
	r.AckOffset = current
	m.Logger.Info("full resync", "host", host, "port", port, "offset", current, "snapshot_bytes", len(snapshot))
	return nil
}

// registerLocked adds or refreshes the replica entry behind an inbound
// PSYNC connection.
func (m *Master) registerLocked(host string, port int, conn *protocol.Conn, raw net.Conn) *ReplicaInfo {
	r := m.findLocked(host, port)
	if r == nil {
		r = &ReplicaInfo{Host: host, Port: port}
		m.replicas = append(m.replicas, r)
	}
	if r.raw != nil && r.raw != raw {
		_ = r.raw.Close()
	}
	r.conn = conn
	r.raw = raw
	r.Connected = true
	return r
}

func (m *Master) handleREPLCONF(cmd *protocol.Command, conn *protocol.Conn, sess *Session) error {
	if len(cmd.Args) < 1 {
		return reply(conn, protocol.NewError(protocol.NewArityError("REPLCONF")))
	}
	sub := strings.ToUpper(cmd.Args[0])
	switch {
	case sub == "LISTENING-PORT" && len(cmd.Args) >= 2:
		port, err := strconv.Atoi(cmd.Args[1])
		if err != nil {
			return reply(conn, protocol.NewError(protocol.NewParseError(err)))
		}
		sess.ListeningPort = port
		return reply(conn, message.SimpleString("OK"))
	case sub == "CAPA":
		return reply(conn, message.SimpleString("OK"))
	case sub == "ACK" && len(cmd.Args) >= 2:
		n, err := strconv.ParseInt(cmd.Args[1], 10, 64)
		if err != nil {
			return reply(conn, protocol.NewError(protocol.NewParseError(err)))
		}
		m.ack(conn, n)
		return reply(conn, message.SimpleString("OK"))
	case sub == "MASTER-ID" || sub == "MASTER-RUNID":
		return reply(conn, message.SimpleString("OK"))
	default:
		return reply(conn, message.Error("ERR unknown REPLCONF subcommand or wrong number of arguments"))
	}
}

// ack records an acknowledgment arriving on a replica-initiated stream.
func (m *Master) ack(conn *protocol.Conn, n int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.replicas {
		if r.conn == conn {
			if n > r.AckOffset {
				r.AckOffset = n
			}
			return
		}
	}
}

func (m *Master) handleWAIT(cmd *protocol.Command, conn *protocol.Conn) error {
	if len(cmd.Args) < 2 {
		return reply(conn, protocol.NewError(protocol.NewArityError("WAIT")))
	}
	numReplicas, err := strconv.Atoi(cmd.Args[0])
	if err != nil {
		return reply(conn, protocol.NewError(protocol.NewParseError(err)))
	}
	timeoutMillis, err := strconv.ParseInt(cmd.Args[1], 10, 64)
	if err != nil {
		return reply(conn, protocol.NewError(protocol.NewParseError(err)))
	}
	n := m.Wait(numReplicas, time.Duration(timeoutMillis)*time.Millisecond)
	return reply(conn, message.Int(int64(n)))
}

// Wait counts replicas whose acknowledged offset has reached the current
// replication offset, polling the full timeout in small intervals and
// returning early once numReplicas is reached.
func (m *Master) Wait(numReplicas int, timeout time.Duration) int {
	deadline := time.Now().Add(timeout)
	for {
		n := m.countAcked()
		if n >= numReplicas || !time.Now().Before(deadline) {
			return n
		}
		time.Sleep(waitPollInterval)
	}
}

func (m *Master) countAcked() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int
	for _, r := range m.replicas {
		if r.Connected && r.AckOffset >= m.offset {
			n++
		}
	}
	return n
}

func (m *Master) handleREPLICA(cmd *protocol.Command, conn *protocol.Conn) error {
	if len(cmd.Args) < 2 {
		return reply(conn, protocol.NewError(protocol.NewArityError("REPLICA")))
	}
	port, err := strconv.Atoi(cmd.Args[1])
	if err != nil {
		return reply(conn, protocol.NewError(protocol.NewParseError(err)))
	}
	m.AddReplica(cmd.Args[0], port)
	return reply(conn, message.SimpleString("OK"))
}

// Info is the replication section of the INFO document.
func (m *Master) Info() protocol.Message {
	m.mu.Lock()
	defer m.mu.Unlock()

	var b strings.Builder
	b.WriteString("# Replication\r\n")
	b.WriteString("role:master\r\n")
	b.WriteString("master_replid:" + m.RunID + "\r\n")
	b.WriteString("master_replid2:0000000000000000000000000000000000000000\r\n")
	fmt.Fprintf(&b, "master_repl_offset:%d\r\n", m.offset)
	b.WriteString("second_repl_offset:-1\r\n")
	b.WriteString("repl_backlog_active:1\r\n")
	b.WriteString("repl_backlog_size:1048576\r\n")
	b.WriteString("repl_backlog_first_byte_offset:0\r\n")
	fmt.Fprintf(&b, "repl_backlog_histlen:%d\r\n", m.offset)
	fmt.Fprintf(&b, "connected_slaves:%d\r\n", m.connectedLocked())

	i := 0
	for _, r := range m.replicas {
		if !r.Connected {
			continue
		}
		fmt.Fprintf(&b, "slave%d:ip=%s,port=%d,state=online,offset=%d,lag=0\r\n",
			i, r.Host, r.Port, r.AckOffset)
		i++
	}
	return message.BulkString(b.String())
}

func (m *Master) connectedLocked() int {
	var n int
	for _, r := range m.replicas {
		if r.Connected {
			n++
		}
	}
	return n
}

func (m *Master) replicaListing() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var b strings.Builder
	fmt.Fprintf(&b, "Connected replicas: %d\n", m.connectedLocked())
	fmt.Fprintf(&b, "id:%s,runid:%s,port:%d,replicas:%d\n", m.MasterID, m.RunID, m.ListenPort, len(m.replicas))
	for _, r := range m.replicas {
		fmt.Fprintf(&b, "- %s:%d\n", r.Host, r.Port)
	}
	return b.String()
}

// Shutdown closes every replica socket.
func (m *Master) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.replicas {
		m.disconnectLocked(r)
	}
}

func reply(conn *protocol.Conn, m protocol.Message) error {
	if _, err := conn.Write(m); err != nil {
		return err
	}
	return conn.Flush()
}

func peerAddr(raw net.Conn) (string, int) {
	host, portStr, err := net.SplitHostPort(raw.RemoteAddr().String())
	if err != nil {
		return raw.RemoteAddr().String(), 0
	}
	port, _ := strconv.Atoi(portStr)
	return host, port
}

// Copyright 2024 Outreach Corporation. All Rights Reserved.

// Description:

// Package replication:
package replication

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/awinterman/redikv/protocol"
	"github.com/awinterman/redikv/protocol/message"
	"github.com/awinterman/redikv/store"
)

func init() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	})))
}

func TestNewRunID(t *testing.T) {
	a := NewRunID()
	b := NewRunID()

	assert.Regexp(t, regexp.MustCompile(`^[0-9a-f]{40}$`), a)
	assert.NotEqual(t, a, b)
}

func TestPropagateWriteAdvancesOffsetByFrameLength(t *testing.T) {
	m := NewMaster(store.New(), 7000)

	var total int64
	for _, args := range [][]string{
		{"SET", "hello", "world"},
		{"DEL", "hello"},
		{"LPUSH", "l", "a", "b"},
	} {
		cmd, err := protocol.Cmd(message.Command(args...))
		require.NoError(t, err)
		m.PropagateWrite(cmd)
		total += message.Len(cmd.Wire())
	}

	assert.Equal(t, total, m.Offset())
}

func TestWait(t *testing.T) {
	m := NewMaster(store.New(), 7000)
	r := &ReplicaInfo{Host: "replica", Port: 1, Connected: true}
	m.replicas = append(m.replicas, r)
	m.offset = 100

	t.Run("waits the full timeout when short of replicas", func(t *testing.T) {
		started := time.Now()
		n := m.Wait(1, 200*time.Millisecond)
		assert.Equal(t, 0, n)
		assert.GreaterOrEqual(t, time.Since(started), 200*time.Millisecond)
	})

	t.Run("replies immediately once satisfied", func(t *testing.T) {
		m.mu.Lock()
		r.AckOffset = 100
		m.mu.Unlock()

		started := time.Now()
		n := m.Wait(1, 5*time.Second)
		assert.Equal(t, 1, n)
		assert.Less(t, time.Since(started), time.Second)
	})
}

func TestMasterInfo(t *testing.T) {
	m := NewMaster(store.New(), 7000)
	m.replicas = append(m.replicas, &ReplicaInfo{
		Host: "10.0.0.2", Port: 6380, Connected: true, AckOffset: 33,
	})
	m.offset = 33

	info := m.Info().Str

	assert.Contains(t, info, "role:master\r\n")
	assert.Contains(t, info, "master_replid:"+m.RunID+"\r\n")
	assert.Contains(t, info, "master_repl_offset:33\r\n")
	assert.Contains(t, info, "connected_slaves:1\r\n")
	assert.Contains(t, info, "slave0:ip=10.0.0.2,port=6380,state=online,offset=33,lag=0\r\n")
}

func TestHandlePSYNC_FullResync(t *testing.T) {
	ks := store.New()
	ks.Set("hello", "world")
	ks.Set("n", "42")

	m := NewMaster(ks, 7000)
	m.offset = 55

	serverRaw, clientRaw := tcpPair(t)
	serverConn := protocol.NewConnection(serverRaw)
	clientConn := protocol.NewConnection(clientRaw)

	cmd, err := protocol.Cmd(message.Command("PSYNC", "?", "0"))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		done <- m.HandleAdmin(cmd, serverConn, serverRaw, &Session{ListeningPort: 6380})
	}()

	resp, err := clientConn.Read()
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprintf("FULLRESYNC %s 55", m.RunID), resp.Str)

	payload, err := clientConn.ReadSnapshot()
	require.NoError(t, err)
	require.NoError(t, <-done)

	loaded := store.New()
	require.NoError(t, loaded.LoadFrom(strings.NewReader(string(payload))))
	v, ok, err := loaded.Get("hello")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "world", v)

	// replica registered at the master's current offset
	m.mu.Lock()
	defer m.mu.Unlock()
	require.Len(t, m.replicas, 1)
	assert.Equal(t, 6380, m.replicas[0].Port)
	assert.True(t, m.replicas[0].Connected)
	assert.Equal(t, int64(55), m.replicas[0].AckOffset)
}

func TestHandlePSYNC_Continue(t *testing.T) {
	m := NewMaster(store.New(), 7000)
	m.offset = 80

	serverRaw, clientRaw := tcpPair(t)
	serverConn := protocol.NewConnection(serverRaw)
	clientConn := protocol.NewConnection(clientRaw)

	t.Run("matching id at the current offset continues", func(t *testing.T) {
		cmd, err := protocol.Cmd(message.Command("PSYNC", m.RunID, "80"))
		require.NoError(t, err)

		done := make(chan error, 1)
		go func() {
			done <- m.HandleAdmin(cmd, serverConn, serverRaw, &Session{ListeningPort: 6381})
		}()

		resp, err := clientConn.Read()
		require.NoError(t, err)
		assert.Equal(t, "CONTINUE "+m.RunID, resp.Str)
		require.NoError(t, <-done)
	})

	t.Run("a stale offset forces a full resync", func(t *testing.T) {
		cmd, err := protocol.Cmd(message.Command("PSYNC", m.RunID, "10"))
		require.NoError(t, err)

		done := make(chan error, 1)
		go func() {
			done <- m.HandleAdmin(cmd, serverConn, serverRaw, &Session{ListeningPort: 6381})
		}()

		resp, err := clientConn.Read()
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("FULLRESYNC %s 80", m.RunID), resp.Str)

		_, err = clientConn.ReadSnapshot()
		require.NoError(t, err)
		require.NoError(t, <-done)
	})
}

func TestReplica_FullResyncAndStream(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	masterKS := store.New()
	masterKS.Set("hello", "world")
	snapshot, err := masterKS.SnapshotBytes()
	require.NoError(t, err)

	runID := NewRunID()
	setFrame := message.Append(nil, message.Command("SET", "a", "1"))

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()

	// scripted master: handshake, FULLRESYNC, snapshot, one SET, then
	// sit draining ACKs.
	go func() {
		raw, err := l.Accept()
		if err != nil {
			return
		}
		defer raw.Close()
		mc := protocol.NewConnection(raw)

		for _, want := range []string{"PING", "REPLCONF", "REPLCONF", "PSYNC"} {
			msg, err := mc.Read()
			if err != nil {
				t.Error("scripted master read:", err)
				return
			}
			cmd, err := protocol.Cmd(msg)
			if err != nil || cmd.Name != want {
				t.Errorf("scripted master wanted %s got %v (%v)", want, msg, err)
				return
			}
			if want == "PSYNC" {
				break
			}
			reply := message.SimpleString("OK")
			if want == "PING" {
				reply = message.SimpleString("PONG")
			}
			_, _ = mc.Write(reply)
			_ = mc.Flush()
		}

		_, _ = mc.Write(message.SimpleString(fmt.Sprintf("FULLRESYNC %s 0", runID)))
		_, _ = mc.WriteRaw([]byte(fmt.Sprintf("$%d\r\n", len(snapshot))))
		_, _ = mc.WriteRaw(snapshot)
		_, _ = mc.WriteRaw([]byte("\r\n"))
		_, _ = mc.WriteRaw(setFrame)
		_ = mc.Flush()

		for {
			if _, err := mc.Read(); err != nil {
				return
			}
		}
	}()

	replicaKS := store.New()
	applied := make(chan string, 16)
	rep := &Replica{
		MasterAddr: l.Addr().String(),
		ListenAddr: "127.0.0.1:6380",
		Keyspace:   replicaKS,
		Logger:     slog.Default(),
		Apply: func(cmd *protocol.Command) error {
			if cmd.Name == "SET" {
				replicaKS.Set(cmd.Args[0], cmd.Args[1])
			}
			applied <- cmd.Name
			return nil
		},
	}

	go func() { _ = rep.Run(ctx) }()

	select {
	case <-rep.ReplicationStartedCh():
	case <-ctx.Done():
		t.Fatal("replication never started")
	}

	select {
	case name := <-applied:
		assert.Equal(t, "SET", name)
	case <-ctx.Done():
		t.Fatal("stream command never applied")
	}

	// snapshot state landed
	v, ok, err := replicaKS.Get("hello")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "world", v)

	// applied offset advanced by exactly the frame length
	assert.Eventually(t, func() bool {
		return rep.Offset.Load() == int64(len(setFrame))
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, runID, *rep.ReplicationID.Load())
}

func TestReplica_AckMessage(t *testing.T) {
	rep := &Replica{Logger: slog.Default()}
	rep.Offset.Store(1234)

	wire := message.Append(nil, rep.AckMessage())
	assert.Equal(t, "*3\r\n$8\r\nREPLCONF\r\n$3\r\nACK\r\n$4\r\n1234\r\n", string(wire))
}

func TestReplica_Info(t *testing.T) {
	rep := &Replica{MasterAddr: "10.0.0.1:6379", Logger: slog.Default()}
	rep.ReplicationID.Store(pointer("abc123"))
	rep.Offset.Store(77)

	info := rep.Info().Str

	assert.Contains(t, info, "role:slave\r\n")
	assert.Contains(t, info, "master_host:10.0.0.1\r\n")
	assert.Contains(t, info, "master_port:6379\r\n")
	assert.Contains(t, info, "master_link_status:down\r\n")
	assert.Contains(t, info, "slave_repl_offset:77\r\n")
	assert.Contains(t, info, "master_replid:abc123\r\n")
}

func TestReplica_ApplyFromMaster(t *testing.T) {
	ks := store.New()
	rep := &Replica{Keyspace: ks, Logger: slog.Default()}
	rep.Apply = func(cmd *protocol.Command) error {
		ks.Set(cmd.Args[0], cmd.Args[1])
		return nil
	}

	msg, consumed, state := message.Decode(message.Append(nil, message.Command("SET", "k", "v")))
	require.Equal(t, message.Done, state)
	require.Equal(t, int64(consumed), msg.Size)

	cmd, err := protocol.Cmd(msg)
	require.NoError(t, err)
	require.NoError(t, rep.ApplyFromMaster(cmd))

	v, ok, err := ks.Get("k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "v", v)
	assert.Equal(t, msg.Size, rep.Offset.Load())

	t.Run("non-writes are not counted", func(t *testing.T) {
		ping, err := protocol.Cmd(message.Command("PING"))
		require.NoError(t, err)
		require.NoError(t, rep.ApplyFromMaster(ping))
		assert.Equal(t, msg.Size, rep.Offset.Load())
	})
}

// tcpPair is a connected socket pair over loopback.
func tcpPair(t *testing.T) (server, client net.Conn) {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := l.Accept()
		if err == nil {
			accepted <- c
		}
	}()

	client, err = net.Dial("tcp", l.Addr().String())
	require.NoError(t, err)
	server = <-accepted

	t.Cleanup(func() {
		_ = server.Close()
		_ = client.Close()
	})
	return server, client
}

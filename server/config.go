package server

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/alexflint/go-arg"
)

type Config struct {
	Address   string   `arg:"--address" env:"RK_LISTEN_ADDRESS" help:"address to listen on" default:"localhost:36379"`
	RDBPath   string   `arg:"--rdb-path" env:"RK_RDB_PATH" help:"snapshot file read at startup and rewritten on shutdown" default:"dump.rdb"`
	ReplicaOf []string `arg:"--replicaof" env:"RK_REPLICAOF" help:"host and port of the master to follow; empty runs as master"`
	Replicas  []string `arg:"--replica,separate" env:"RK_REPLICAS" help:"host:port of a static replica to stream to; repeatable"`
	MaxSize   int64    `arg:"--proto-max-bulk-len" env:"RK_PROTO_MAX_BULK_LEN" help:"max length of a request frame" default:"0"`
}

func (c *Config) getMaxSize() int64 {
	if c.MaxSize == 0 {
		return 512 * 1000000
	}
	return c.MaxSize
}

func (c *Config) Parse() error {
	if c == nil {
		c = &Config{}
	}

	err := arg.Parse(c)

	return err
}

// Port is the numeric port of the listen address.
func (c *Config) Port() (int, error) {
	_, portStr, err := net.SplitHostPort(c.Address)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(portStr)
}

// MasterAddr joins the --replicaof value into host:port. Both "HOST PORT"
// and a single "HOST:PORT" are accepted.
func (c *Config) MasterAddr() (string, error) {
	switch len(c.ReplicaOf) {
	case 0:
		return "", nil
	case 1:
		if !strings.Contains(c.ReplicaOf[0], ":") {
			return "", fmt.Errorf("--replicaof wants HOST PORT, got %q", c.ReplicaOf[0])
		}
		return c.ReplicaOf[0], nil
	case 2:
		return net.JoinHostPort(c.ReplicaOf[0], c.ReplicaOf[1]), nil
	default:
		return "", fmt.Errorf("--replicaof wants HOST PORT, got %v", c.ReplicaOf)
	}
}

package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"

	"golang.org/x/sync/errgroup"

	"github.com/awinterman/redikv/command"
	"github.com/awinterman/redikv/protocol"
	"github.com/awinterman/redikv/replication"
	"github.com/awinterman/redikv/store"
)

// Run parses the command line and runs the server until the context ends.
func Run(ctx context.Context) error {
	config := &Config{}
	if err := config.Parse(); err != nil {
		return err
	}
	return RunConfigured(ctx, config)
}

// RunConfigured wires the keyspace, the role-appropriate replication
// component and the accept loop, then blocks until shutdown. The snapshot
// file is read at startup and rewritten on the way out.
func RunConfigured(ctx context.Context, config *Config) error {
	log := slog.Default()

	ks := store.New()
	if _, err := os.Stat(config.RDBPath); err == nil {
		if err := ks.Load(config.RDBPath); err != nil {
			log.Warn("snapshot load failed; starting empty", "path", config.RDBPath, "error", err)
		} else {
			log.Info("snapshot loaded", "path", config.RDBPath)
		}
	}

	masterAddr, err := config.MasterAddr()
	if err != nil {
		return err
	}

	var (
		connFunc ConnFunc
		rep      *replication.Replica
		master   *replication.Master
	)

	if masterAddr != "" {
		rep = &replication.Replica{
			MasterAddr: masterAddr,
			ListenAddr: config.Address,
			Keyspace:   ks,
			Logger:     slog.With("comp", "replication"),
		}
		silent := &command.Executor{Keyspace: ks, Logger: slog.With("comp", "apply")}
		rep.Apply = func(cmd *protocol.Command) error {
			return silent.Execute(cmd, command.SilentSink{})
		}
		exec := &command.Executor{Keyspace: ks, ReadOnly: true, Logger: slog.With("comp", "executor")}
		h := &replicaHandler{replica: rep, exec: exec, maxSize: config.getMaxSize(), log: slog.With("comp", "server")}
		connFunc = h.handle
	} else {
		port, err := config.Port()
		if err != nil {
			return fmt.Errorf("%w parsing listen address %q", err, config.Address)
		}
		master = replication.NewMaster(ks, port)
		for _, addr := range config.Replicas {
			host, portStr, err := net.SplitHostPort(addr)
			if err != nil {
				return fmt.Errorf("%w parsing --replica %q", err, addr)
			}
			replicaPort, err := strconv.Atoi(portStr)
			if err != nil {
				return fmt.Errorf("%w parsing --replica %q", err, addr)
			}
			master.AddReplica(host, replicaPort)
		}
		exec := &command.Executor{Keyspace: ks, Propagate: master, Logger: slog.With("comp", "executor")}
		h := &masterHandler{master: master, exec: exec, maxSize: config.getMaxSize(), log: slog.With("comp", "server")}
		connFunc = h.handle
	}

	srv, err := New(ctx, config, connFunc)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Serve(ctx) })
	if rep != nil {
		g.Go(func() error { return rep.Run(ctx) })
	}

	err = g.Wait()
	if master != nil {
		master.Shutdown()
	}
	if serr := ks.Save(config.RDBPath); serr != nil {
		log.Error("snapshot save failed", "path", config.RDBPath, "error", serr)
	} else {
		log.Info("snapshot saved", "path", config.RDBPath)
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

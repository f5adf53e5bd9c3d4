// Copyright 2025 Outreach Corporation. All Rights Reserved.

// Description:

// Package replication:
package replication

/* REPLCONF <option> <value> <option> <value> ...
 * This command is used by a replica in order to configure the replication
 * process before starting it with the PSYNC command.
 * This command is also used by a master in order to get the replication
 * offset from a replica.
 *
 * Supported options:
 *
 * - listening-port <port>
 * What is the listening port of the replica instance, so that the master
 * can accurately list replicas and their listening ports in the INFO
 * output.
 *
 * - capa <eof|psync2>
 * What is the capabilities of this instance.
 * eof: supports EOF-style RDB transfer for diskless replication.
 * psync2: supports PSYNC v2, so understands +CONTINUE <new repl ID>.
 *
 * - ack <offset>
 * Replica informs the master the amount of replication stream that it
 * processed so far.
 *
 * - getack <dummy>
 * Unlike other subcommands, this is used by master to get the replication
 * offset from a replica.
 *
 * - master-id <id> / master-runid <runid>
 * Used during the master-initiated handshake so a replica can record the
 * identity of the master that is about to stream to it. */

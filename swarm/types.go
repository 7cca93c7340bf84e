// Package swarm simulates the Dat/Hypercore archiver and its peer swarm:
// the system's one deliberately out-of-scope external collaborator (per
// the gateway's purpose-and-scope boundary). It persists minimal per-key
// metadata under a storage directory and serves a small set of fixture
// archives so the registry, HTTP, and WebSocket front ends can be exercised
// end to end without a live Dat network.
/*
 * Copyright (c) 2018-2023, NVIDIA CORPORATION. All rights reserved.
 */
package swarm

import (
	"context"
	"io"
	"net/http"

	"github.com/dat-gateway/datgate/cmn"
)

// Drive answers reads against a single materialized archive, mirroring the
// hyperdrive-to-HTTP adapter that lives outside this module as an external
// collaborator.
type Drive interface {
	ReadFile(path string) ([]byte, error)
	Stat(path string) (Info, error)
	// HandleHTTP serves subpath against the drive, writing status/body/headers
	// to w directly (the gateway's HTTP front end only rewrites the URL and
	// delegates).
	HandleHTTP(w http.ResponseWriter, r *http.Request, subpath string)
}

// Info is the subset of file metadata the drive adapter needs to answer stat
// and directory-listing requests.
type Info struct {
	Name  string
	Size  int64
	IsDir bool
}

// MaterializedEvent fires once a key's metadata feed is opened and its
// header block has been loaded, i.e. once the archive is ready to serve
// reads.
type MaterializedEvent struct {
	Key   cmn.ArchiveKey
	Drive Drive
	// Err is set when materialization failed permanently (as opposed to
	// merely being slow); the registry fails the pending admission with an
	// ErrAdapter, unlike a timeout, which fails it with ErrNotReady.
	Err error
}

// DuplexStream is a bidirectional framed byte stream, standing in for the
// Hypercore replication wire protocol, proxied by the WebSocket front end.
type DuplexStream interface {
	io.ReadWriteCloser
}

// Adapter wraps the external archiver/swarm. join/leave/replicate and the
// materialized event are exactly the contract a Swarm Adapter must satisfy.
type Adapter interface {
	// Join begins replication for key. Idempotent.
	Join(ctx context.Context, key cmn.ArchiveKey) error
	// Leave stops replication and closes peers for key. Idempotent.
	Leave(key cmn.ArchiveKey) error
	// Replicate returns a bidirectional stream proxying the archive's
	// replication protocol for key.
	Replicate(ctx context.Context, key cmn.ArchiveKey) (DuplexStream, error)
	// Events returns the channel on which MaterializedEvent values for every
	// joined key are published: once when the key materializes, and again
	// for each later Join of a key that has already materialized.
	Events() <-chan MaterializedEvent
	// Close leaves every joined key and releases adapter resources.
	Close() error
}

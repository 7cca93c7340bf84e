/*
 * Copyright (c) 2018-2023, NVIDIA CORPORATION. All rights reserved.
 */
package swarm

import (
	"io"
	"sync"
)

// replicationStream is an in-process simulation of the Hypercore
// replication wire protocol: a duplex stream of frames, each frame one
// channel message (there is no length prefix on the wire). The
// WebSocket front end pipes its client's raw bytes through Write/Read on
// one side; the adapter's simulated peer writes/reads the other.
type replicationStream struct {
	// peer-to-client direction
	fromPeer  chan []byte
	toPeer    chan []byte
	closed    chan struct{}
	closeOnce *sync.Once // shared by both ends, like closed
	readBuf   []byte
}

func newReplicationPair() (client, peer *replicationStream) {
	c2p := make(chan []byte, 64)
	p2c := make(chan []byte, 64)
	closed := make(chan struct{})
	once := &sync.Once{}
	client = &replicationStream{fromPeer: p2c, toPeer: c2p, closed: closed, closeOnce: once}
	peer = &replicationStream{fromPeer: c2p, toPeer: p2c, closed: closed, closeOnce: once}
	return client, peer
}

// Write frames p and sends it to the opposite end. Each frame is a copy, so
// callers may reuse p after Write returns.
func (s *replicationStream) Write(p []byte) (int, error) {
	cp := make([]byte, len(p))
	copy(cp, p)
	select {
	case s.toPeer <- cp:
		return len(p), nil
	case <-s.closed:
		return 0, io.ErrClosedPipe
	}
}

func (s *replicationStream) Read(p []byte) (int, error) {
	for len(s.readBuf) == 0 {
		select {
		case b, ok := <-s.fromPeer:
			if !ok {
				return 0, io.EOF
			}
			s.readBuf = b
		case <-s.closed:
			return 0, io.EOF
		}
	}
	n := copy(p, s.readBuf)
	s.readBuf = s.readBuf[n:]
	return n, nil
}

func (s *replicationStream) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

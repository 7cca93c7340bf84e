/*
 * Copyright (c) 2018-2023, NVIDIA CORPORATION. All rights reserved.
 */
package ais

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dat-gateway/datgate/cmn/cos"
	"github.com/dat-gateway/datgate/cmn/nlog"
	"github.com/dat-gateway/datgate/registry"
	"github.com/dat-gateway/datgate/resolver"
	"github.com/dat-gateway/datgate/swarm"
)

// upgrader negotiates WebSocket upgrades with per-message compression
// disabled; the replication payload is raw binary frames.
var upgrader = websocket.Upgrader{
	ReadBufferSize:    4096,
	WriteBufferSize:   4096,
	EnableCompression: false,
	CheckOrigin:       func(*http.Request) bool { return true },
}

// wsHandler is the WebSocket front end: it shares the HTTP
// listener, opens a replication stream for the requested archive, and pipes
// bytes bidirectionally with the client.
type wsHandler struct {
	resolver *resolver.Resolver
	registry *registry.Registry
	adapter  swarm.Adapter
}

func (h *wsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	address := strings.Trim(r.URL.Path, "/")

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		nlog.Warningf("ais: ws upgrade: %v", err)
		return
	}
	defer conn.Close()

	if address == "" {
		closeWithMessage(conn, "Must provide archive key")
		return
	}

	sid := cos.GenShortID()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	key, err := h.resolver.Resolve(ctx, address)
	if err != nil {
		closeWithMessage(conn, err.Error())
		return
	}

	// Open the replication stream first; the pipe is established before
	// admission completes - the protocol tolerates empty replication until
	// the archive's feeds are loaded.
	stream, err := h.adapter.Replicate(ctx, key)
	if err != nil {
		closeWithMessage(conn, err.Error())
		return
	}
	defer stream.Close()

	go func() {
		if _, err := h.registry.GetOrAdmit(ctx, key); err != nil && ctx.Err() == nil {
			nlog.Warningf("ais: ws[%s] admission for %s: %v", sid, key.Hex(), err)
			closeWithMessage(conn, err.Error())
			conn.Close()
		}
	}()

	pipe(conn, stream, sid)
}

// pipe proxies bytes bidirectionally between conn and stream until either
// side errors or closes, then returns. A peer socket error never crashes
// the gateway; it's logged and the connection is torn down.
func pipe(conn *websocket.Conn, stream swarm.DuplexStream, sid string) {
	errCh := make(chan error, 2)

	go func() {
		buf := make([]byte, 32*1024)
		for {
			n, err := stream.Read(buf)
			if n > 0 {
				if werr := conn.WriteMessage(websocket.BinaryMessage, buf[:n]); werr != nil {
					errCh <- werr
					return
				}
			}
			if err != nil {
				errCh <- err
				return
			}
		}
	}()

	go func() {
		for {
			mt, b, err := conn.ReadMessage()
			if err != nil {
				errCh <- err
				return
			}
			if mt != websocket.BinaryMessage {
				continue
			}
			if _, werr := stream.Write(b); werr != nil {
				errCh <- werr
				return
			}
		}
	}()

	if err := <-errCh; err != nil && !isNormalClose(err) {
		nlog.Warningf("ais: ws[%s] stream error: %v", sid, &cos.ErrClientStream{Err: err})
	}
}

func isNormalClose(err error) bool {
	if err == io.EOF {
		return true
	}
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
}

func closeWithMessage(conn *websocket.Conn, msg string) {
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, msg),
		time.Now().Add(time.Second))
}

// Command datgate runs the Dat-network HTTP/WebSocket gateway: it resolves
// incoming addresses, admits archives into a bounded in-memory registry,
// joins the replication swarm, and serves file requests and replication
// streams over a single listener.
/*
 * Copyright (c) 2018-2023, NVIDIA CORPORATION. All rights reserved.
 */
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/dat-gateway/datgate/ais"
	"github.com/dat-gateway/datgate/cmn/nlog"
)

func main() {
	var (
		dir      = flag.String("dir", "./.dat-gateway", "directory for archiver metadata persistence")
		max      = flag.Int("max", 50, "maximum number of resident archives")
		ttl      = flag.Duration("ttl", 0, "TTL before an idle resident archive is evicted (0 disables expiry)")
		period   = flag.Duration("period", 0, "interval between TTL sweeps (required together with -ttl)")
		redirect = flag.Bool("redirect", false, "enable subdomain-based addressing")
		port     = flag.Int("port", 5917, "listen port")
	)
	flag.Parse()

	if (*ttl > 0) != (*period > 0) {
		fmt.Fprintln(os.Stderr, "datgate: -ttl and -period must be set together")
		os.Exit(1)
	}

	srv, err := ais.Load(ais.Config{
		Dir:      *dir,
		Max:      *max,
		TTL:      *ttl,
		Period:   *period,
		Redirect: *redirect,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "datgate: %v\n", err)
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		nlog.Infof("datgate: shutting down")
		if err := srv.Close(); err != nil {
			nlog.Warningf("datgate: close: %v", err)
		}
		os.Exit(0)
	}()

	addr := fmt.Sprintf(":%d", *port)
	if err := srv.Listen(addr); err != nil {
		fmt.Fprintf(os.Stderr, "datgate: %v\n", err)
		os.Exit(1)
	}
}

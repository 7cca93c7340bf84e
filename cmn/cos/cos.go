// Package cos provides common low-level types and utilities for the gateway.
/*
 * Copyright (c) 2018-2023, NVIDIA CORPORATION. All rights reserved.
 */
package cos

import (
	"sync"
	"time"

	"github.com/teris-io/shortid"
)

var (
	sidOnce sync.Once
	sid     *shortid.Shortid
)

func initSID() {
	sidOnce.Do(func() {
		var err error
		sid, err = shortid.New(1 /*worker*/, shortid.DefaultABC, uint64(time.Now().UnixNano()))
		if err != nil {
			sid = shortid.MustNew(1, shortid.DefaultABC, 0)
		}
	})
}

// GenShortID returns a short, URL-safe, process-unique identifier used to
// correlate log lines for a single WebSocket replication session.
func GenShortID() string {
	initSID()
	return sid.MustGenerate()
}

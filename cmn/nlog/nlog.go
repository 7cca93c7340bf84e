// Package nlog is the gateway's logger: leveled Infof/Warningf/Errorf
// helpers writing directly to stdout. A single-process gateway with no
// local log retention story has no use for buffering or rotation
// machinery.
/*
 * Copyright (c) 2023, NVIDIA CORPORATION. All rights reserved.
 */
package nlog

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"
)

const prefix = "[dat-gateway] "

type severity int

const (
	sevInfo severity = iota
	sevWarn
	sevErr
)

var sevChar = [...]byte{sevInfo: 'I', sevWarn: 'W', sevErr: 'E'}

var (
	once    sync.Once
	enabled bool
	mu      sync.Mutex
)

func initOnce() {
	once.Do(func() {
		enabled = os.Getenv("DEBUG") != "" || os.Getenv("LOG") != ""
	})
}

// Enabled reports whether DEBUG or LOG is set, per the gateway's
// "diagnostic logging to standard output" environment-variable contract.
func Enabled() bool {
	initOnce()
	return enabled
}

func log(sev severity, depth int, format string, args ...any) {
	initOnce()
	if sev == sevInfo && !enabled {
		return
	}
	line := format1(sev, depth+1, format, args...)
	mu.Lock()
	os.Stdout.WriteString(line)
	mu.Unlock()
}

func format1(sev severity, depth int, format string, args ...any) string {
	var b strings.Builder
	b.WriteString(prefix)
	b.WriteByte(sevChar[sev])
	b.WriteByte(' ')
	b.WriteString(time.Now().Format("15:04:05.000"))
	b.WriteByte(' ')
	if _, fn, ln, ok := runtime.Caller(2 + depth); ok {
		if idx := strings.LastIndexByte(fn, '/'); idx >= 0 {
			fn = fn[idx+1:]
		}
		b.WriteString(fn)
		b.WriteByte(':')
		b.WriteString(strconv.Itoa(ln))
		b.WriteByte(' ')
	}
	if format == "" {
		fmt.Fprintln(&b, args...)
	} else {
		fmt.Fprintf(&b, format, args...)
		b.WriteByte('\n')
	}
	return b.String()
}

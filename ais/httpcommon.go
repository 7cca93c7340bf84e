/*
 * Copyright (c) 2018-2023, NVIDIA CORPORATION. All rights reserved.
 */
package ais

import (
	"context"
	"errors"
	"net/http"

	"github.com/dat-gateway/datgate/cmn/cos"
	"github.com/dat-gateway/datgate/cmn/nlog"
)

// writeError translates a registry/resolver error into its HTTP status and
// body, dispatching by type rather than by matching error strings.
func writeError(w http.ResponseWriter, err error) {
	var (
		notReady   *cos.ErrNotReady
		notFound   *cos.ErrNotFound
		resolution *cos.ErrResolution
		adapterErr *cos.ErrAdapter
		capacity   *cos.ErrCapacity
	)
	// The 500 kinds are matched before the context-error case, since they
	// may wrap a canceled or expired context.
	switch {
	case errors.As(err, &resolution):
		nlog.Warningf("ais: resolution failed: %v", err)
		http.Error(w, "Server error", http.StatusInternalServerError)
	case errors.As(err, &adapterErr):
		nlog.Warningf("ais: adapter failed: %v", err)
		http.Error(w, "Server error", http.StatusInternalServerError)
	case errors.As(err, &capacity):
		nlog.Warningf("ais: capacity failure: %v", err)
		http.Error(w, "Server error", http.StatusInternalServerError)
	case errors.As(err, &notReady), errors.As(err, &notFound), errors.Is(err, cos.ErrEmpty),
		errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		http.Error(w, "Not found", http.StatusNotFound)
	default:
		nlog.Warningf("ais: unclassified error: %v", err)
		http.Error(w, "Server error", http.StatusInternalServerError)
	}
}

// corsHandler sets Access-Control-Allow-Origin on every response, then
// delegates.
func corsHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		next.ServeHTTP(w, r)
	})
}

// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package registry

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/yeetrun/crateyard/pkg/archive"
	"github.com/yeetrun/crateyard/pkg/index"
	"github.com/yeetrun/crateyard/pkg/publish"
)

// ErrorDetail is a single error returned by the registry.
type ErrorDetail struct {
	Detail string `json:"detail"`
}

// ErrorResponse is the error body cargo understands.
type ErrorResponse struct {
	Errors []ErrorDetail `json:"errors"`
}

// NewErrorResponse returns the response for err, with one entry per
// segment of its message chain.
func NewErrorResponse(err error) ErrorResponse {
	var resp ErrorResponse
	var ve *publish.ValidationError
	if errors.As(err, &ve) {
		for _, r := range ve.Reasons {
			resp.Errors = append(resp.Errors, ErrorDetail{Detail: r})
		}
		return resp
	}
	for _, seg := range strings.Split(err.Error(), ": ") {
		if seg = strings.TrimSpace(seg); seg != "" {
			resp.Errors = append(resp.Errors, ErrorDetail{Detail: seg})
		}
	}
	if len(resp.Errors) == 0 {
		resp.Errors = []ErrorDetail{{Detail: http.StatusText(StatusFor(err))}}
	}
	return resp
}

// StatusFor returns the HTTP status for err.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, publish.ErrTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, publish.ErrBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, publish.ErrValidation), errors.Is(err, publish.ErrChecksumMismatch):
		return http.StatusUnprocessableEntity
	case errors.Is(err, publish.ErrNotFound), errors.Is(err, archive.ErrNotFound), errors.Is(err, index.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, archive.ErrAlreadyExists), errors.Is(err, index.ErrExists):
		return http.StatusConflict
	}
	var mbe *http.MaxBytesError
	if errors.As(err, &mbe) {
		return http.StatusRequestEntityTooLarge
	}
	return http.StatusInternalServerError
}

// WriteError writes err as a registry error response.
func WriteError(w http.ResponseWriter, err error) {
	writeJSON(w, StatusFor(err), NewErrorResponse(err))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

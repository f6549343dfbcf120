// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package publish

import (
	"errors"
	"strings"
)

var (
	// ErrBadRequest indicates a malformed request body or metadata.
	ErrBadRequest = errors.New("bad request")
	// ErrValidation indicates the package failed validation.
	ErrValidation = errors.New("validation failed")
	// ErrTooLarge indicates a size ceiling was exceeded. It is always
	// reported together with ErrValidation.
	ErrTooLarge = errors.New("too large")
	// ErrChecksumMismatch indicates the archive does not match the checksum
	// declared in the metadata.
	ErrChecksumMismatch = errors.New("checksum mismatch")
	// ErrNotFound indicates an unknown package or version.
	ErrNotFound = errors.New("not found")
)

// ValidationError lists every reason a package was rejected.
type ValidationError struct {
	Reasons  []string
	TooLarge bool
}

func (e *ValidationError) Error() string {
	return "invalid package: " + strings.Join(e.Reasons, "; ")
}

func (e *ValidationError) Unwrap() []error {
	if e.TooLarge {
		return []error{ErrValidation, ErrTooLarge}
	}
	return []error{ErrValidation}
}

func tooLarge(reason string) *ValidationError {
	return &ValidationError{Reasons: []string{reason}, TooLarge: true}
}

// errOrNil returns nil for an empty list of reasons so callers can return it
// unconditionally.
func errOrNil(reasons []string) error {
	if len(reasons) == 0 {
		return nil
	}
	return &ValidationError{Reasons: reasons}
}

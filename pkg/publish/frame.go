// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package publish

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Frame is a decoded publish request body up to the start of the archive
// bytes, which are left in Crate to be streamed into storage.
type Frame struct {
	Metadata []byte
	CrateLen int64
	Crate    io.Reader
}

// ReadFrame reads the length-prefixed metadata block and the archive length
// from r. Lengths above the given ceilings fail validation before the
// corresponding bytes are read.
func ReadFrame(r io.Reader, maxMetadata, maxArchive int64) (*Frame, error) {
	jsonLen, err := readLen(r, "metadata length")
	if err != nil {
		return nil, err
	}
	if jsonLen > maxMetadata {
		return nil, tooLarge(fmt.Sprintf("metadata is %d bytes, the limit is %d", jsonLen, maxMetadata))
	}
	meta := make([]byte, jsonLen)
	if _, err := io.ReadFull(r, meta); err != nil {
		return nil, fmt.Errorf("%w: insufficient data for metadata: %v", ErrBadRequest, err)
	}
	crateLen, err := readLen(r, "crate length")
	if err != nil {
		return nil, err
	}
	if crateLen > maxArchive {
		return nil, tooLarge(fmt.Sprintf("crate is %d bytes, the limit is %d", crateLen, maxArchive))
	}
	return &Frame{Metadata: meta, CrateLen: crateLen, Crate: r}, nil
}

func readLen(r io.Reader, what string) (int64, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return 0, fmt.Errorf("%w: not enough data for %s", ErrBadRequest, what)
		}
		return 0, fmt.Errorf("%w: read %s: %v", ErrBadRequest, what, err)
	}
	return int64(binary.LittleEndian.Uint32(b[:])), nil
}

// EncodeBody builds a publish request body from metadata JSON and archive
// bytes.
func EncodeBody(metadata, crate []byte) []byte {
	var buf bytes.Buffer
	buf.Grow(8 + len(metadata) + len(crate))
	binary.Write(&buf, binary.LittleEndian, uint32(len(metadata)))
	buf.Write(metadata)
	binary.Write(&buf, binary.LittleEndian, uint32(len(crate)))
	buf.Write(crate)
	return buf.Bytes()
}

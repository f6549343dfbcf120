// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package publish

import (
	"bytes"
	"errors"
	"io"
	"testing"
)

func TestReadFrame(t *testing.T) {
	tests := []struct {
		name    string
		in      []byte
		wantErr error
		meta    string
		crate   string
	}{
		{name: "short length", in: []byte{255, 255, 255}, wantErr: ErrBadRequest},
		{name: "exact length", in: []byte{2, 0, 0, 0, '{', '}', 3, 0, 0, 0, 'A', 'B', 'C'}, meta: "{}", crate: "ABC"},
		{name: "trailing bytes", in: []byte{2, 0, 0, 0, '{', '}', 1, 0, 0, 0, 'A', 'B'}, meta: "{}", crate: "A"},
		{name: "missing metadata", in: []byte{44, 1, 0, 0, '{'}, wantErr: ErrBadRequest},
		{name: "missing crate length", in: []byte{2, 0, 0, 0, '{', '}', 1}, wantErr: ErrBadRequest},
		{name: "metadata too large", in: []byte{0, 0, 0, 1}, wantErr: ErrTooLarge},
		{name: "crate too large", in: []byte{0, 0, 0, 0, 0, 0, 0, 1}, wantErr: ErrTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := ReadFrame(bytes.NewReader(tt.in), 1024, 1024)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("ReadFrame error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("ReadFrame: %v", err)
			}
			if string(f.Metadata) != tt.meta {
				t.Fatalf("Metadata = %q, want %q", f.Metadata, tt.meta)
			}
			crate, err := io.ReadAll(io.LimitReader(f.Crate, f.CrateLen))
			if err != nil {
				t.Fatalf("read crate: %v", err)
			}
			if string(crate) != tt.crate {
				t.Fatalf("crate = %q, want %q", crate, tt.crate)
			}
		})
	}
}

func TestEncodeBodyRoundTrip(t *testing.T) {
	b := EncodeBody([]byte(`{"name":"foo"}`), []byte("ABC"))
	f, err := ReadFrame(bytes.NewReader(b), 1024, 1024)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if f.CrateLen != 3 || string(f.Metadata) != `{"name":"foo"}` {
		t.Fatalf("frame = %+v", f)
	}
}

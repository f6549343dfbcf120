// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package registry

import (
	"fmt"
	"sync"

	"tailscale.com/types/logger"
	"tailscale.com/util/lru"
)

// repeatSummaryEvery is how many suppressed repeats of a trace line trigger
// a summary line.
const repeatSummaryEvery = 100

// traceLogger collapses repeated request trace lines. The first occurrence
// of a line is logged; repeats of a line still in the recent-lines cache
// are counted instead. The count is printed as "(repeated N times)" when a
// different line arrives and after every repeatSummaryEvery repeats. Only
// the most recent line can have a pending count, so lines evicted from the
// cache never lose one.
type traceLogger struct {
	logf logger.Logf

	mu     sync.Mutex
	recent *lru.Cache[string, int] // line => suppressed repeats
	last   string
}

func newTraceLogger(logf logger.Logf, size int) *traceLogger {
	if size <= 0 {
		size = 64
	}
	return &traceLogger{
		logf:   logf,
		recent: &lru.Cache[string, int]{MaxEntries: size},
	}
}

func (t *traceLogger) Logf(format string, args ...any) {
	line := fmt.Sprintf(format, args...)
	var out []string

	t.mu.Lock()
	if t.last != "" && t.last != line {
		if n, ok := t.recent.PeekOk(t.last); ok && n > 0 {
			out = append(out, fmt.Sprintf("%s (repeated %d times)", t.last, n))
			t.recent.Set(t.last, 0)
		}
	}
	t.last = line
	n, seen := t.recent.GetOk(line)
	switch {
	case !seen:
		t.recent.Set(line, 0)
		out = append(out, line)
	case n+1 >= repeatSummaryEvery:
		t.recent.Set(line, 0)
		out = append(out, fmt.Sprintf("%s (repeated %d times)", line, repeatSummaryEvery))
	default:
		t.recent.Set(line, n+1)
	}
	t.mu.Unlock()

	for _, l := range out {
		t.logf("%s", l)
	}
}

package docker

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/pkg/stdcopy"
)

// LogLine is one timestamped line read from a container's output.
type LogLine struct {
	Source    string
	Timestamp time.Time
	Message   string
}

// ContainerLogs reads container output produced strictly after since. Lines
// come back in order with their daemon timestamps, so repeated reads with the
// returned cursor never duplicate a line.
func (c *Client) ContainerLogs(ctx context.Context, containerID string, since time.Time) ([]LogLine, time.Time, error) {
	if strings.TrimSpace(containerID) == "" {
		return nil, since, fmt.Errorf("container id cannot be empty")
	}

	opts := container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Timestamps: true,
	}
	if !since.IsZero() {
		opts.Since = sinceTimestamp(since)
	}

	reader, err := c.inner.ContainerLogs(ctx, containerID, opts)
	if err != nil {
		if isNotFound(err) {
			return nil, since, ErrNotFound
		}
		return nil, since, fmt.Errorf("container logs: %w", err)
	}
	defer reader.Close()

	stdout := newLineCollector("stdout")
	stderr := newLineCollector("stderr")
	if _, err := stdcopy.StdCopy(stdout, stderr, reader); err != nil {
		// TTY containers emit a raw stream without multiplexing headers.
		return nil, since, fmt.Errorf("demux container logs: %w", err)
	}
	stdout.flush()
	stderr.flush()

	lines := append(stdout.lines, stderr.lines...)
	sort.SliceStable(lines, func(i, j int) bool {
		return lines[i].Timestamp.Before(lines[j].Timestamp)
	})
	cursor := since
	// The daemon's Since is inclusive at second granularity; drop anything at
	// or before the cursor so tailing stays idempotent.
	kept := lines[:0]
	for _, line := range lines {
		if !line.Timestamp.After(since) {
			continue
		}
		kept = append(kept, line)
		if line.Timestamp.After(cursor) {
			cursor = line.Timestamp
		}
	}
	return kept, cursor, nil
}

// sinceTimestamp renders t in the daemon's seconds.nanoseconds form. The
// daemon tries to read Since as a relative duration first, so the string
// must never parse as one.
func sinceTimestamp(t time.Time) string {
	return fmt.Sprintf("%d.%09d", t.Unix(), t.Nanosecond())
}

// lineCollector splits a demuxed stream into timestamped lines.
type lineCollector struct {
	source string
	buf    strings.Builder
	lines  []LogLine
}

func newLineCollector(source string) *lineCollector {
	return &lineCollector{source: source}
}

func (lc *lineCollector) Write(p []byte) (int, error) {
	scanner := bufio.NewScanner(strings.NewReader(lc.buf.String() + string(p)))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lc.buf.Reset()

	var last string
	complete := strings.HasSuffix(string(p), "\n")
	for scanner.Scan() {
		if last != "" {
			lc.append(last)
		}
		last = scanner.Text()
	}
	if last != "" {
		if complete {
			lc.append(last)
		} else {
			lc.buf.WriteString(last)
		}
	}
	if err := scanner.Err(); err != nil && err != io.EOF {
		return len(p), err
	}
	return len(p), nil
}

func (lc *lineCollector) flush() {
	if lc.buf.Len() > 0 {
		lc.append(lc.buf.String())
		lc.buf.Reset()
	}
}

// append parses the daemon's RFC3339Nano timestamp prefix off the line.
func (lc *lineCollector) append(raw string) {
	ts := time.Time{}
	message := raw
	if idx := strings.IndexByte(raw, ' '); idx > 0 {
		if parsed, err := time.Parse(time.RFC3339Nano, raw[:idx]); err == nil {
			ts = parsed
			message = raw[idx+1:]
		}
	}
	lc.lines = append(lc.lines, LogLine{Source: lc.source, Timestamp: ts, Message: message})
}

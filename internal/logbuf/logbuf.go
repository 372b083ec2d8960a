// Package logbuf keeps the most recent structured log lines in memory so the
// HTTP API can serve them without a log shipper.
package logbuf

import (
	"encoding/json"
	"strings"
	"sync"
	"time"
)

// Entry is one captured zerolog line.
type Entry struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Component string    `json:"component,omitempty"`
	AlertID   string    `json:"alert_id,omitempty"`
	DeviceID  string    `json:"device_id,omitempty"`
	Message   string    `json:"message"`
	Raw       string    `json:"raw"`
}

// Buffer is a thread-safe ring buffer of log entries. It implements
// io.Writer so it can sit behind a zerolog.MultiLevelWriter.
type Buffer struct {
	mu      sync.RWMutex
	entries []Entry
	head    int
	count   int
	now     func() time.Time
}

// New creates a buffer holding up to size entries.
func New(size int) *Buffer {
	if size <= 0 {
		size = 1
	}
	return &Buffer{entries: make([]Entry, size), now: time.Now}
}

// Write captures one log line. zerolog writes each event in a single call.
func (b *Buffer) Write(p []byte) (int, error) {
	e := parse(p)

	b.mu.Lock()
	defer b.mu.Unlock()
	if e.Timestamp.IsZero() {
		e.Timestamp = b.now()
	}
	b.entries[b.head] = e
	b.head = (b.head + 1) % len(b.entries)
	if b.count < len(b.entries) {
		b.count++
	}
	return len(p), nil
}

// Entries returns all entries oldest first.
func (b *Buffer) Entries() []Entry {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]Entry, b.count)
	start := 0
	if b.count == len(b.entries) {
		start = b.head
	}
	for i := 0; i < b.count; i++ {
		out[i] = b.entries[(start+i)%len(b.entries)]
	}
	return out
}

// Query selects the most recent entries, at most limit, optionally narrowed
// to one alert or device and a minimum level.
type Query struct {
	Limit    int
	AlertID  string
	DeviceID string
	MinLevel string
}

var levelRank = map[string]int{"trace": 0, "debug": 1, "info": 2, "warn": 3, "error": 4, "fatal": 5, "panic": 6}

// Recent returns the entries matching q, oldest first.
func (b *Buffer) Recent(q Query) []Entry {
	all := b.Entries()
	min := levelRank[q.MinLevel]

	out := make([]Entry, 0, len(all))
	for _, e := range all {
		if q.AlertID != "" && e.AlertID != q.AlertID {
			continue
		}
		if q.DeviceID != "" && e.DeviceID != q.DeviceID {
			continue
		}
		if levelRank[e.Level] < min {
			continue
		}
		out = append(out, e)
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[len(out)-q.Limit:]
	}
	return out
}

// parse extracts the common zerolog fields; lines that are not JSON are kept
// verbatim as info messages.
func parse(p []byte) Entry {
	raw := strings.TrimRight(string(p), "\n")
	e := Entry{Level: "info", Message: raw, Raw: raw}

	var fields struct {
		Time      time.Time `json:"time"`
		Level     string    `json:"level"`
		Message   string    `json:"message"`
		Component string    `json:"component"`
		AlertID   string    `json:"alert_id"`
		DeviceID  string    `json:"device_id"`
	}
	if err := json.Unmarshal(p, &fields); err != nil {
		return e
	}
	if fields.Level != "" {
		e.Level = fields.Level
	}
	e.Message = fields.Message
	e.Timestamp = fields.Time
	e.Component = fields.Component
	e.AlertID = fields.AlertID
	e.DeviceID = fields.DeviceID
	return e
}

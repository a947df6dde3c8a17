package core

import "chatrelay/internal/protocol"

// History is the bounded, insertion-ordered message buffer. It is not safe
// for concurrent use; the Relay guards it with its lock.
type History struct {
	records []protocol.Record
}

// NewHistory seeds the buffer with records, keeping only the newest limit.
func NewHistory(records []protocol.Record, limit int) *History {
	h := &History{records: append([]protocol.Record(nil), records...)}
	h.Truncate(limit)
	return h
}

// Append adds rec at the back and drops the oldest records beyond limit.
func (h *History) Append(rec protocol.Record, limit int) {
	h.records = append(h.records, rec)
	h.Truncate(limit)
}

// Truncate drops records from the front until at most limit remain.
// It reports whether anything was dropped.
func (h *History) Truncate(limit int) bool {
	if limit < 0 {
		limit = 0
	}
	if len(h.records) <= limit {
		return false
	}
	h.records = append([]protocol.Record(nil), h.records[len(h.records)-limit:]...)
	return true
}

// Len returns the number of buffered records.
func (h *History) Len() int {
	return len(h.records)
}

// Records returns a copy of the buffer, oldest first.
func (h *History) Records() []protocol.Record {
	out := make([]protocol.Record, len(h.records))
	copy(out, h.records)
	return out
}

// Last returns a copy of the newest n records, oldest first.
func (h *History) Last(n int) []protocol.Record {
	if n <= 0 {
		return []protocol.Record{}
	}
	start := len(h.records) - n
	if start < 0 {
		start = 0
	}
	out := make([]protocol.Record, len(h.records)-start)
	copy(out, h.records[start:])
	return out
}

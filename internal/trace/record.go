package trace

import (
	"strconv"
	"strings"
)

// Common field flag bits, as carried in common_flags.
const (
	FlagHardIRQ = 0x08
	FlagSoftIRQ = 0x10
)

// Field names every decoder may synthesize from the record header.
const (
	FieldCommonFlags = "common_flags"
	FieldCommonPID   = "common_pid"
	FieldCommonTGID  = "common_tgid"
)

// Record is one decoded trace event. Field accessors report false when the
// field is absent or cannot be read as the requested kind. Returned strings
// are only valid until the source advances.
type Record interface {
	CPU() int
	Timestamp() uint64
	Event() string
	Int(field string) (int64, bool)
	Uint(field string) (uint64, bool)
	Str(field string) (string, bool)
}

// Source is a pull-based record stream. Next returns false at the end of the
// stream or on a read error, which Err then reports.
type Source interface {
	Next() (Record, bool)
	Err() error
}

// Field is a raw name/value pair as printed by the kernel.
type Field struct {
	Name  string
	Value string
}

// TextRecord is a Record backed by textual field values. Integers are parsed
// on access: decimal first, then hex with or without a 0x prefix, which is
// how pointers and hashed pointers are printed.
type TextRecord struct {
	cpu    int
	ts     uint64
	event  string
	fields []Field
}

// NewTextRecord builds a record from already split fields.
func NewTextRecord(cpu int, ts uint64, event string, fields ...Field) *TextRecord {
	return &TextRecord{cpu: cpu, ts: ts, event: event, fields: fields}
}

func (r *TextRecord) CPU() int          { return r.cpu }
func (r *TextRecord) Timestamp() uint64 { return r.ts }
func (r *TextRecord) Event() string     { return r.event }

// Fields returns the raw fields in print order.
func (r *TextRecord) Fields() []Field { return r.fields }

func (r *TextRecord) lookup(name string) (string, bool) {
	for i := range r.fields {
		if r.fields[i].Name == name {
			return r.fields[i].Value, true
		}
	}
	return "", false
}

func (r *TextRecord) Str(field string) (string, bool) {
	return r.lookup(field)
}

func (r *TextRecord) Int(field string) (int64, bool) {
	v, ok := r.lookup(field)
	if !ok {
		return 0, false
	}
	if n, err := strconv.ParseInt(v, 10, 64); err == nil {
		return n, true
	}
	u, ok := parseHex(v)
	return int64(u), ok
}

func (r *TextRecord) Uint(field string) (uint64, bool) {
	v, ok := r.lookup(field)
	if !ok {
		return 0, false
	}
	if n, err := strconv.ParseUint(v, 10, 64); err == nil {
		return n, true
	}
	if n, err := strconv.ParseInt(v, 10, 64); err == nil {
		return uint64(n), true
	}
	return parseHex(v)
}

func parseHex(v string) (uint64, bool) {
	v = strings.TrimPrefix(strings.TrimPrefix(v, "0x"), "0X")
	if v == "" {
		return 0, false
	}
	n, err := strconv.ParseUint(v, 16, 64)
	return n, err == nil
}

// SliceSource replays an in-memory list of records.
type SliceSource struct {
	records []Record
	pos     int
}

// NewSliceSource returns a Source over records.
func NewSliceSource(records ...Record) *SliceSource {
	return &SliceSource{records: records}
}

func (s *SliceSource) Next() (Record, bool) {
	if s.pos >= len(s.records) {
		return nil, false
	}
	r := s.records[s.pos]
	s.pos++
	return r, true
}

func (s *SliceSource) Err() error { return nil }

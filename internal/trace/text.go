package trace

import (
	"bufio"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"
)

// The ftrace text layout, as printed by tracefs "trace" / "trace_pipe" and
// by "trace-cmd report -l":
//
//	<comm>-<pid> [(<tgid>)] [<cpu>] [<irq-info>] <sec>.<frac>: <event>: <body>
//
// irq-info is present with the irq-info option (the tracefs default); its
// third character carries the hard/soft interrupt context.
var headerRe = regexp.MustCompile(
	`^\s*(.+?)-(\d+)\s+(?:\(\s*(\d+|-+)\)\s+)?\[(\d+)\]\s+(?:(\S{4,5})\s+)?(\d+)\.(\d+):\s+(\w+):\s?(.*)$`)

var (
	workStructRe = regexp.MustCompile(`^work struct (?:=\s*)?([0-9a-fA-Fx]+):?(?:\s+function\s+(\S+))?`)
	bdiRe        = regexp.MustCompile(`^bdi (\d+):(\d+):\s*`)
	lostRe       = regexp.MustCompile(`^CPU:\d+ \[LOST (\d+) EVENTS\]`)
)

// TextStats counts what a TextSource saw besides records.
type TextStats struct {
	Lines   uint64 // all lines read
	Records uint64 // lines decoded into records
	Skipped uint64 // lines that looked like data but could not be decoded
	Lost    uint64 // events the kernel reported as lost
}

// TextSource decodes ftrace text output line by line.
type TextSource struct {
	scanner *bufio.Scanner
	err     error
	stats   TextStats
	// OnSkip, when set, is called with each undecodable line.
	OnSkip func(line string)
}

// NewTextSource returns a Source reading ftrace text from r.
func NewTextSource(r io.Reader) *TextSource {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &TextSource{scanner: sc}
}

func (s *TextSource) Next() (Record, bool) {
	for s.scanner.Scan() {
		line := s.scanner.Text()
		s.stats.Lines++

		trimmed := strings.TrimSpace(line)
		if trimmed == "" || trimmed[0] == '#' {
			continue
		}
		if m := lostRe.FindStringSubmatch(trimmed); m != nil {
			n, _ := strconv.ParseUint(m[1], 10, 64)
			s.stats.Lost += n
			continue
		}

		rec, err := ParseLine(line)
		if err != nil {
			s.stats.Skipped++
			if s.OnSkip != nil {
				s.OnSkip(line)
			}
			continue
		}
		s.stats.Records++
		return rec, true
	}
	s.err = s.scanner.Err()
	return nil, false
}

func (s *TextSource) Err() error { return s.err }

// Stats returns the counters accumulated so far.
func (s *TextSource) Stats() TextStats { return s.stats }

// ParseLine decodes one ftrace text line.
func ParseLine(line string) (*TextRecord, error) {
	m := headerRe.FindStringSubmatch(line)
	if m == nil {
		return nil, fmt.Errorf("not a trace record: %q", line)
	}
	cpu, err := strconv.Atoi(m[4])
	if err != nil {
		return nil, fmt.Errorf("bad cpu %q: %w", m[4], err)
	}
	ts, err := parseStamp(m[6], m[7])
	if err != nil {
		return nil, err
	}

	fields := make([]Field, 0, 8)
	fields = append(fields, Field{FieldCommonPID, m[2]})
	if tgid := m[3]; tgid != "" && tgid[0] != '-' {
		fields = append(fields, Field{FieldCommonTGID, tgid})
	}
	if flags, ok := irqContextFlags(m[5]); ok {
		fields = append(fields, Field{FieldCommonFlags, strconv.Itoa(flags)})
	}

	fields = splitBody(m[9], fields)
	return NewTextRecord(cpu, ts, m[8], fields...), nil
}

// parseStamp turns "<sec>" and "<frac>" into nanoseconds.
func parseStamp(sec, frac string) (uint64, error) {
	s, err := strconv.ParseUint(sec, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("bad timestamp %s.%s: %w", sec, frac, err)
	}
	if len(frac) > 9 {
		frac = frac[:9]
	}
	f, err := strconv.ParseUint(frac, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("bad timestamp %s.%s: %w", sec, frac, err)
	}
	for i := len(frac); i < 9; i++ {
		f *= 10
	}
	return s*1_000_000_000 + f, nil
}

// irqContextFlags maps the irq-info column to common_flags bits.
func irqContextFlags(info string) (int, bool) {
	if len(info) < 3 {
		return 0, false
	}
	switch info[2] {
	case 'h', 'Z':
		return FlagHardIRQ, true
	case 'H':
		return FlagHardIRQ | FlagSoftIRQ, true
	case 's':
		return FlagSoftIRQ, true
	default:
		return 0, true
	}
}

// splitBody appends the event payload fields to dst. Besides key=value
// lists it understands the workqueue and writeback layouts.
func splitBody(body string, dst []Field) []Field {
	if m := workStructRe.FindStringSubmatch(body); m != nil {
		dst = append(dst, Field{"work", m[1]})
		if m[2] != "" {
			dst = append(dst, Field{"function", m[2]})
		}
		body = body[len(m[0]):]
	} else if m := bdiRe.FindStringSubmatch(body); m != nil {
		major, _ := strconv.ParseUint(m[1], 10, 32)
		minor, _ := strconv.ParseUint(m[2], 10, 32)
		dst = append(dst,
			Field{"bdi", m[1] + ":" + m[2]},
			Field{"dev", strconv.FormatUint(major<<20|minor, 10)})
		body = body[len(m[0]):]
	}

	start := len(dst)
	for _, tok := range strings.Fields(body) {
		tok = strings.TrimSuffix(strings.Trim(tok, "[]"), ",")
		if tok == "" || tok == "==>" {
			continue
		}
		if i := strings.IndexByte(tok, '='); i > 0 {
			dst = append(dst, Field{tok[:i], tok[i+1:]})
			continue
		}
		// A bare word continues the previous value, e.g. comm=Web Content.
		if n := len(dst); n > start {
			dst[n-1].Value += " " + tok
		}
	}
	return dst
}

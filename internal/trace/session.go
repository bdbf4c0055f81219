package trace

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"wakeup_exporter/internal/logger"

	"github.com/phuslu/log"
)

// ErrNoTracefs is returned when none of the candidate mount points is a
// usable tracing directory.
var ErrNoTracefs = errors.New("no tracefs mount found")

// TracefsSession drives the kernel ring buffer through a tracefs mount.
type TracefsSession struct {
	root     string
	bufferKB int
	enabled  []EventID
	log      log.Logger
}

// OpenTracefs returns a session on the first candidate that is a tracefs
// (or debugfs tracing) directory.
func OpenTracefs(candidates []string, bufferKB int) (*TracefsSession, error) {
	for _, c := range candidates {
		ok, err := isTracingDir(c)
		if err != nil {
			continue
		}
		if ok {
			return NewTracefsSession(c, bufferKB), nil
		}
	}
	return nil, fmt.Errorf("%w (tried %s)", ErrNoTracefs, strings.Join(candidates, ", "))
}

// NewTracefsSession returns a session rooted at root without probing it.
func NewTracefsSession(root string, bufferKB int) *TracefsSession {
	return &TracefsSession{
		root:     root,
		bufferKB: bufferKB,
		log:      logger.NewLoggerWithContext("tracefs"),
	}
}

// Root returns the tracing directory in use.
func (s *TracefsSession) Root() string { return s.root }

func (s *TracefsSession) enablePath(id EventID) string {
	return filepath.Join(s.root, "events", id.System, id.Name, "enable")
}

// Available reports whether the tracepoint exists on this kernel.
func (s *TracefsSession) Available(id EventID) bool {
	_, err := os.Stat(s.enablePath(id))
	return err == nil
}

// Enable switches on every event in ids. Events already enabled by this
// session are skipped.
func (s *TracefsSession) Enable(ids []EventID) error {
	for _, id := range ids {
		if s.isEnabled(id) {
			continue
		}
		if err := s.write(s.enablePath(id), "1"); err != nil {
			return fmt.Errorf("failed to enable %s: %w", id, err)
		}
		s.enabled = append(s.enabled, id)
		s.log.Debug().Str("event", id.String()).Msg("Trace event enabled")
	}
	return nil
}

func (s *TracefsSession) isEnabled(id EventID) bool {
	for _, e := range s.enabled {
		if e == id {
			return true
		}
	}
	return false
}

// Disable switches off every event this session enabled.
func (s *TracefsSession) Disable() error {
	var errs []error
	for _, id := range s.enabled {
		if err := s.write(s.enablePath(id), "0"); err != nil {
			errs = append(errs, fmt.Errorf("failed to disable %s: %w", id, err))
		}
	}
	s.enabled = nil
	return errors.Join(errs...)
}

// Start empties the ring buffer and turns tracing on.
func (s *TracefsSession) Start() error {
	if s.bufferKB > 0 {
		if err := s.write(filepath.Join(s.root, "buffer_size_kb"), strconv.Itoa(s.bufferKB)); err != nil {
			return fmt.Errorf("failed to size trace buffer: %w", err)
		}
	}
	if err := s.write(filepath.Join(s.root, "trace"), ""); err != nil {
		return fmt.Errorf("failed to clear trace buffer: %w", err)
	}
	if err := s.write(filepath.Join(s.root, "tracing_on"), "1"); err != nil {
		return fmt.Errorf("failed to start tracing: %w", err)
	}
	return nil
}

// Stop turns tracing off, freezing the buffer for reading.
func (s *TracefsSession) Stop() error {
	if err := s.write(filepath.Join(s.root, "tracing_on"), "0"); err != nil {
		return fmt.Errorf("failed to stop tracing: %w", err)
	}
	return nil
}

// Records opens the frozen buffer as a text record stream.
func (s *TracefsSession) Records() (Source, io.Closer, error) {
	f, err := os.Open(filepath.Join(s.root, "trace"))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open trace buffer: %w", err)
	}
	return NewTextSource(f), f, nil
}

// CPUCount returns the number of per-CPU buffers, or 0 if unknown.
func (s *TracefsSession) CPUCount() int {
	entries, err := os.ReadDir(filepath.Join(s.root, "per_cpu"))
	if err != nil {
		return 0
	}
	n := 0
	for _, e := range entries {
		if e.IsDir() && strings.HasPrefix(e.Name(), "cpu") {
			n++
		}
	}
	return n
}

func (s *TracefsSession) write(path, value string) error {
	return os.WriteFile(path, []byte(value), 0644)
}

// FileSession replays a saved ftrace text file as one window.
type FileSession struct {
	path string
}

// NewFileSession returns a session reading path.
func NewFileSession(path string) *FileSession {
	return &FileSession{path: path}
}

// Available is always true: a saved trace may contain any event.
func (s *FileSession) Available(EventID) bool { return true }
func (s *FileSession) Enable([]EventID) error { return nil }
func (s *FileSession) Disable() error         { return nil }
func (s *FileSession) Start() error           { return nil }
func (s *FileSession) Stop() error            { return nil }
func (s *FileSession) CPUCount() int          { return 0 }

func (s *FileSession) Records() (Source, io.Closer, error) {
	f, err := os.Open(s.path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open trace file: %w", err)
	}
	return NewTextSource(f), f, nil
}

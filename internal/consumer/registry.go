package consumer

import (
	"encoding/binary"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"

	"wakeup_exporter/internal/logger"
	"wakeup_exporter/internal/maps"

	"github.com/cespare/xxhash/v2"
	"github.com/phuslu/log"
)

// Options configures a Registry.
type Options struct {
	// MapBackend selects the concurrent map implementation ("xsync" or "cornelk").
	MapBackend string
	// Symbols names raw callback addresses. Optional.
	Symbols Symbolizer
	// Procs resolves thread groups and command lines. Optional; leave nil
	// when replaying a trace recorded on another boot.
	Procs ProcInfo
	// UseCmdline describes processes by their command line when available.
	UseCmdline bool
	// DeferredTimers lists timer handlers whose expiries are not tracked.
	DeferredTimers []string
}

// Registry owns every Entity of the current window, keyed by a 64-bit hash
// of the entity identity. Lookups are safe for concurrent use; the window
// pass is the only writer.
type Registry struct {
	entities maps.ConcurrentMap[uint64, *Entity]
	seq      atomic.Uint64

	symbols    Symbolizer
	procs      ProcInfo
	useCmdline bool
	deferred   map[string]struct{}

	// tgids holds thread group ids seen in trace record headers.
	tgids map[int]int

	log log.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(opts Options) (*Registry, error) {
	m, err := maps.NewConcurrentMap[uint64, *Entity](opts.MapBackend)
	if err != nil {
		return nil, fmt.Errorf("failed to create entity map: %w", err)
	}
	r := &Registry{
		entities:   m,
		symbols:    opts.Symbols,
		procs:      opts.Procs,
		useCmdline: opts.UseCmdline,
		deferred:   make(map[string]struct{}, len(opts.DeferredTimers)),
		tgids:      make(map[int]int),
		log:        logger.NewLoggerWithContext("registry"),
	}
	for _, name := range opts.DeferredTimers {
		r.deferred[name] = struct{}{}
	}
	return r, nil
}

// identityKey hashes the kind, a name and a numeric id into a registry key.
func identityKey(kind Kind, name string, id uint64) uint64 {
	var buf [9]byte
	buf[0] = byte(kind)
	binary.LittleEndian.PutUint64(buf[1:], id)
	d := xxhash.New()
	d.Write(buf[:])
	d.WriteString(name)
	return d.Sum64()
}

func (r *Registry) findOrCreate(key uint64, create func() Payload) *Entity {
	e, _ := r.entities.LoadOrStore(key, func() *Entity {
		return &Entity{Payload: create(), seq: r.seq.Add(1)}
	})
	return e
}

// FindOrCreateProcess returns the process identified by comm and pid.
func (r *Registry) FindOrCreateProcess(comm string, pid int) *Entity {
	return r.findOrCreate(identityKey(KindProcess, comm, uint64(pid)), func() Payload {
		p := &Process{PID: pid, TGID: pid, Comm: strings.Clone(comm)}
		if r.useCmdline && r.procs != nil && pid != 0 {
			if cmd, ok := r.procs.Cmdline(pid); ok {
				if cmd == "" {
					p.Desc = "[" + comm + "]"
				} else {
					p.Desc = cmd
				}
			}
		}
		return p
	})
}

// FindOrCreateInterrupt returns the interrupt for handler and number. A hard
// interrupt handler named "timer" is tracked per CPU as "timer/<cpu>".
func (r *Registry) FindOrCreateInterrupt(handler string, nr, cpu int, soft bool) *Entity {
	if handler == "timer" && !soft {
		handler = "timer/" + strconv.Itoa(cpu)
	}
	id := uint64(nr) << 1
	if soft {
		id |= 1
	}
	return r.findOrCreate(identityKey(KindInterrupt, handler, id), func() Payload {
		return &Interrupt{Number: nr, Handler: strings.Clone(handler), Soft: soft}
	})
}

// callbackName prefers the traced name, then the symbol table, then the
// raw address.
func (r *Registry) callbackName(addr uint64, name string) string {
	if name != "" {
		return name
	}
	if r.symbols != nil && addr != 0 {
		if sym, ok := r.symbols.Lookup(addr); ok {
			return sym
		}
	}
	return fmt.Sprintf("%#x", addr)
}

// FindOrCreateTimer returns the timer callback identified by its function
// address or, when the trace already carries it, its symbol name.
func (r *Registry) FindOrCreateTimer(addr uint64, name string) *Entity {
	name = r.callbackName(addr, name)
	return r.findOrCreate(identityKey(KindTimer, name, 0), func() Payload {
		_, deferred := r.deferred[name]
		return &Timer{Callback{Address: addr, Handler: strings.Clone(name), Deferred: deferred}}
	})
}

// FindOrCreateWork returns the workqueue callback for a function.
func (r *Registry) FindOrCreateWork(addr uint64, name string) *Entity {
	name = r.callbackName(addr, name)
	return r.findOrCreate(identityKey(KindWork, name, 0), func() Payload {
		return &Work{Callback{Address: addr, Handler: strings.Clone(name)}}
	})
}

// FindOrCreateDevice returns the device entity of a class, e.g. "disk".
func (r *Registry) FindOrCreateDevice(class, name string) *Entity {
	return r.findOrCreate(identityKey(KindDevice, class+"/"+name, 0), func() Payload {
		return &Device{Name: name, Class: class}
	})
}

// NoteTGID records the thread group of a task as seen in a trace header.
func (r *Registry) NoteTGID(pid, tgid int) {
	if pid > 0 && tgid > 0 {
		r.tgids[pid] = tgid
	}
}

func (r *Registry) tgidOf(pid int) (int, bool) {
	if tgid, ok := r.tgids[pid]; ok {
		return tgid, true
	}
	if r.procs != nil {
		return r.procs.TGID(pid)
	}
	return 0, false
}

// Len returns the number of entities.
func (r *Registry) Len() int { return r.entities.Len() }

// Entities returns every entity in creation order.
func (r *Registry) Entities() []*Entity {
	out := make([]*Entity, 0, r.entities.Len())
	r.entities.Range(func(_ uint64, e *Entity) bool {
		out = append(out, e)
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

// ByKind returns the entities of one kind in creation order.
func (r *Registry) ByKind(kind Kind) []*Entity {
	all := r.Entities()
	out := all[:0]
	for _, e := range all {
		if e.Kind() == kind {
			out = append(out, e)
		}
	}
	return out
}

// MergeThreads folds the counters of every thread record into the record of
// its thread group leader, when both were observed. Merged records are
// excluded from ranking. It returns the number of records merged.
func (r *Registry) MergeThreads() int {
	procs := r.ByKind(KindProcess)
	leaders := make(map[int]*Entity, len(procs))
	for _, e := range procs {
		p, _ := e.AsProcess()
		if _, seen := leaders[p.PID]; !seen {
			leaders[p.PID] = e
		}
	}

	merged := 0
	for _, e := range procs {
		p, _ := e.AsProcess()
		if p.PID == 0 || p.mergedInto != nil {
			continue
		}
		tgid, ok := r.tgidOf(p.PID)
		if !ok || tgid == p.PID || tgid <= 0 {
			continue
		}
		p.TGID = tgid
		leader, ok := leaders[tgid]
		if !ok || leader == e {
			continue
		}
		leader.Counters.add(&e.Counters)
		p.mergedInto = leader
		merged++
	}
	if merged > 0 {
		r.log.Debug().Int("merged", merged).Int("processes", len(procs)).Msg("Folded thread records into their leaders")
	}
	return merged
}

// Clear drops every entity. Handles obtained before Clear must not be used.
func (r *Registry) Clear() {
	r.entities.Clear()
	r.tgids = make(map[int]int)
	r.seq.Store(0)
}

package maps

import (
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
)

const keySpace = 1024

func backends[V any](t testing.TB) map[string]ConcurrentMap[uint64, V] {
	out := make(map[string]ConcurrentMap[uint64, V])
	for _, name := range []string{BackendXSync, BackendCornelk} {
		m, err := NewConcurrentMap[uint64, V](name)
		if err != nil {
			t.Fatalf("NewConcurrentMap(%q): %v", name, err)
		}
		out[name] = m
	}
	return out
}

func TestNewConcurrentMapUnknownBackend(t *testing.T) {
	if _, err := NewConcurrentMap[uint64, int]("btree"); err == nil {
		t.Fatal("Expected error for unknown backend")
	}
	m, err := NewConcurrentMap[uint64, int]("")
	if err != nil {
		t.Fatalf("Empty backend should default to xsync: %v", err)
	}
	if _, ok := m.(*XSyncMap[uint64, int]); !ok {
		t.Errorf("Expected *XSyncMap, got %T", m)
	}
}

func TestConcurrentMapSemantics(t *testing.T) {
	for name, m := range backends[string](t) {
		t.Run(name, func(t *testing.T) {
			calls := 0
			factory := func() string { calls++; return "first" }

			v, loaded := m.LoadOrStore(7, factory)
			if loaded || v != "first" {
				t.Fatalf("LoadOrStore on empty map = (%q, %v)", v, loaded)
			}
			v, loaded = m.LoadOrStore(7, func() string { return "second" })
			if !loaded || v != "first" {
				t.Fatalf("LoadOrStore on existing key = (%q, %v)", v, loaded)
			}
			if calls != 1 {
				t.Errorf("Factory called %d times, want 1", calls)
			}

			m.Store(8, "eight")
			if m.Len() != 2 {
				t.Errorf("Len = %d, want 2", m.Len())
			}

			m.Update(8, func(old string, exists bool) (string, bool) {
				if !exists || old != "eight" {
					t.Errorf("Update saw (%q, %v)", old, exists)
				}
				return "", false
			})
			if _, ok := m.Load(8); ok {
				t.Error("Update with keep=false must delete the entry")
			}

			if v, ok := m.LoadAndDelete(7); !ok || v != "first" {
				t.Errorf("LoadAndDelete = (%q, %v)", v, ok)
			}

			m.Store(1, "a")
			m.Store(2, "b")
			seen := 0
			m.Range(func(uint64, string) bool { seen++; return true })
			if seen != 2 {
				t.Errorf("Range visited %d entries, want 2", seen)
			}

			m.Clear()
			if m.Len() != 0 {
				t.Errorf("Len after Clear = %d", m.Len())
			}
		})
	}
}

func TestConcurrentLoadOrStoreSingleWinner(t *testing.T) {
	for name, m := range backends[*atomic.Int64](t) {
		t.Run(name, func(t *testing.T) {
			var wg sync.WaitGroup
			for g := 0; g < 8; g++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					for i := 0; i < 1000; i++ {
						c, _ := m.LoadOrStore(uint64(i%16), func() *atomic.Int64 { return new(atomic.Int64) })
						c.Add(1)
					}
				}()
			}
			wg.Wait()

			var total int64
			m.Range(func(_ uint64, c *atomic.Int64) bool { total += c.Load(); return true })
			if total != 8000 {
				t.Errorf("Lost increments: total %d, want 8000", total)
			}
		})
	}
}

// BenchmarkRegistryPattern mirrors entity find-or-create keyed by identity hash.
func BenchmarkRegistryPattern(b *testing.B) {
	for name, m := range backends[*int64](b) {
		b.Run(name, func(b *testing.B) {
			b.RunParallel(func(pb *testing.PB) {
				r := rand.New(rand.NewSource(rand.Int63()))
				factory := func() *int64 { return new(int64) }
				for pb.Next() {
					key := r.Uint64() % keySpace
					if r.Intn(100) < 90 {
						m.Load(key)
					} else {
						m.LoadOrStore(key, factory)
					}
				}
			})
		})
	}
}

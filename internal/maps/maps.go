package maps

import "fmt"

// Backend names accepted by NewConcurrentMap.
const (
	BackendXSync   = "xsync"
	BackendCornelk = "cornelk"
)

// Integer is a constraint that permits any integer type.
type Integer interface {
	~int | ~int8 | ~int16 | ~int32 | ~int64 |
		~uint | ~uint8 | ~uint16 | ~uint32 | ~uint64 | ~uintptr
}

// ConcurrentMap is a generic, thread-safe map keyed by integers. The entity
// registry keys every consumer by a 64-bit identity hash and stores it here.
type ConcurrentMap[K Integer, V any] interface {
	Load(key K) (V, bool)
	Store(key K, value V)
	Delete(key K)
	LoadAndDelete(key K) (V, bool)
	// LoadOrStore returns the existing value for key, or stores and returns
	// the factory result. loaded reports whether the value already existed.
	LoadOrStore(key K, valueFactory func() V) (value V, loaded bool)
	Update(key K, updateFunc func(value V, exists bool) (newValue V, keep bool))
	Range(f func(key K, value V) bool)
	Len() int
	Clear()
}

// NewConcurrentMap returns the map implementation selected by backend.
func NewConcurrentMap[K Integer, V any](backend string) (ConcurrentMap[K, V], error) {
	switch backend {
	case BackendXSync, "":
		return NewXSyncMap[K, V](), nil
	case BackendCornelk:
		return NewCornelkMap[K, V](), nil
	default:
		return nil, fmt.Errorf("unknown map backend %q", backend)
	}
}

package usecase

import "sync"

// InflightRegistry is a keyed mutex. Upload and delete hold the key of the
// document they touch so the existence check and the write cannot interleave.
type InflightRegistry struct {
	mu    sync.Mutex
	locks map[string]*inflightLock
}

type inflightLock struct {
	mu   sync.Mutex
	refs int
}

func NewInflightRegistry() *InflightRegistry {
	return &InflightRegistry{locks: make(map[string]*inflightLock)}
}

// Lock blocks until key is free and returns the release func.
func (r *InflightRegistry) Lock(key string) func() {
	r.mu.Lock()
	l, ok := r.locks[key]
	if !ok {
		l = &inflightLock{}
		r.locks[key] = l
	}
	l.refs++
	r.mu.Unlock()

	l.mu.Lock()
	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Unlock()
			r.mu.Lock()
			l.refs--
			if l.refs == 0 {
				delete(r.locks, key)
			}
			r.mu.Unlock()
		})
	}
}

func (r *InflightRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.locks)
}

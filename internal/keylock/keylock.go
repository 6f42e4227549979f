// Package keylock provides striped mutexes keyed by string ids.
package keylock

import (
	"sync"

	"github.com/cespare/xxhash/v2"
)

const defaultStripes = 256

type Striped struct {
	stripes []sync.Mutex
}

func New(n int) *Striped {
	if n <= 0 {
		n = defaultStripes
	}
	return &Striped{stripes: make([]sync.Mutex, n)}
}

func (s *Striped) For(key string) *sync.Mutex {
	return &s.stripes[xxhash.Sum64String(key)%uint64(len(s.stripes))]
}

// Do runs fn while holding the stripe for key.
func (s *Striped) Do(key string, fn func()) {
	mu := s.For(key)
	mu.Lock()
	defer mu.Unlock()
	fn()
}

package bridge

import (
	"fmt"

	"golang.org/x/sync/semaphore"
)

// Handle identifies one client request for the lifetime of that request. The
// bridge only ever uses it as a map key.
type Handle string

type bodyBuffer struct {
	data []byte
	// held is the number of budget bytes acquired for data.
	held int64
}

// Store maps connection handles to their accumulating request bodies.
//
// Store does no locking: at most one operation per Store may run at a time.
// An optional byte budget bounds the memory held by all buffers together.
type Store struct {
	buffers map[Handle]*bodyBuffer
	budget  *semaphore.Weighted
	size    int64
}

// NewStore creates an empty store. A positive maxBytes limits the bytes
// buffered across all connections; zero or less means unlimited.
func NewStore(maxBytes int64) *Store {
	s := &Store{buffers: make(map[Handle]*bodyBuffer)}
	if maxBytes > 0 {
		s.budget = semaphore.NewWeighted(maxBytes)
	}
	return s
}

// MaxReserve caps the capacity Begin sets aside up front. Anything beyond it
// is charged by Append as bytes arrive.
const MaxReserve = 64 << 10

// Begin creates an empty buffer for h. A positive expectedSize is only a
// hint, usually the client's Content-Length: Begin reserves at most
// MaxReserve bytes for it.
func (s *Store) Begin(h Handle, expectedSize int64) error {
	if _, ok := s.buffers[h]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateConnection, h)
	}
	b := &bodyBuffer{}
	if reserve := min(expectedSize, MaxReserve); reserve > 0 {
		if !s.acquire(reserve) {
			return fmt.Errorf("%w: cannot reserve %d bytes", ErrResourceExhausted, reserve)
		}
		b.held = reserve
		b.data = make([]byte, 0, reserve)
	}
	s.buffers[h] = b
	s.size += b.held
	return nil
}

// Append adds chunk to the buffer for h.
func (s *Store) Append(h Handle, chunk []byte) error {
	b, ok := s.buffers[h]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownConnection, h)
	}
	if need := int64(len(b.data)+len(chunk)) - b.held; need > 0 {
		if !s.acquire(need) {
			return fmt.Errorf("%w: cannot grow body to %d bytes", ErrResourceExhausted, len(b.data)+len(chunk))
		}
		b.held += need
		s.size += need
	}
	b.data = append(b.data, chunk...)
	return nil
}

// TakeAndErase removes the buffer for h and returns its bytes. The caller owns
// the returned slice.
func (s *Store) TakeAndErase(h Handle) ([]byte, error) {
	b, ok := s.buffers[h]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownConnection, h)
	}
	s.erase(h, b)
	return b.data, nil
}

// Discard drops the buffer for h, if any. It reports whether one existed.
func (s *Store) Discard(h Handle) bool {
	b, ok := s.buffers[h]
	if !ok {
		return false
	}
	s.erase(h, b)
	return true
}

// Buffered returns the number of body bytes received so far for h.
func (s *Store) Buffered(h Handle) int {
	if b, ok := s.buffers[h]; ok {
		return len(b.data)
	}
	return 0
}

// Len returns the number of connections with a buffer.
func (s *Store) Len() int {
	return len(s.buffers)
}

// Size returns the number of bytes currently charged against the budget,
// including reserved but unfilled capacity.
func (s *Store) Size() int64 {
	return s.size
}

func (s *Store) erase(h Handle, b *bodyBuffer) {
	delete(s.buffers, h)
	s.size -= b.held
	if s.budget != nil && b.held > 0 {
		s.budget.Release(b.held)
	}
}

func (s *Store) acquire(n int64) bool {
	if s.budget == nil {
		return true
	}
	return s.budget.TryAcquire(n)
}

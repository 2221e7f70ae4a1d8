package handlers

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/awnumar/memguard"
)

// AccumulatorBufferSize bounds one streamed reply. Replies are capped by
// the max token setting long before this, so hitting it means something is
// wrong upstream.
const AccumulatorBufferSize = 512 * 1024

// TokenAccumulator collects streamed reply fragments into the final reply
// text. The secure implementation keeps the text in memory locked against
// swapping while the stream is in flight; agent definitions routinely
// contain material users would not want on disk.
type TokenAccumulator interface {
	// Write appends one fragment.
	Write(token string) error

	// Finalize returns the accumulated text. The accumulator must not be
	// written after Finalize.
	Finalize() (string, error)

	// Destroy wipes the backing memory. Safe to call more than once.
	Destroy()
}

type secureTokenAccumulator struct {
	mu        sync.Mutex
	buffer    *memguard.LockedBuffer
	offset    int
	destroyed bool
}

type plainTokenAccumulator struct {
	mu        sync.Mutex
	data      []byte
	destroyed bool
}

// NewTokenAccumulator returns a locked-memory accumulator, falling back to
// ordinary memory when the platform refuses the allocation (mlock limits
// in containers, typically).
func NewTokenAccumulator() TokenAccumulator {
	if buf := tryLockedBuffer(); buf != nil {
		return &secureTokenAccumulator{buffer: buf}
	}
	slog.Warn("Locked memory unavailable, reply buffer may swap")
	return &plainTokenAccumulator{data: make([]byte, 0, 4096)}
}

// tryLockedBuffer allocates locked memory. memguard panics on allocation
// failure rather than returning an error, hence the recover.
func tryLockedBuffer() (buf *memguard.LockedBuffer) {
	defer func() {
		if r := recover(); r != nil {
			buf = nil
		}
	}()
	return memguard.NewBuffer(AccumulatorBufferSize)
}

func (a *secureTokenAccumulator) Write(token string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.destroyed {
		return fmt.Errorf("accumulator already destroyed")
	}
	b := []byte(token)
	if a.offset+len(b) > a.buffer.Size() {
		return fmt.Errorf("reply exceeds accumulator capacity (%d bytes)", a.buffer.Size())
	}
	copy(a.buffer.Bytes()[a.offset:], b)
	a.offset += len(b)
	return nil
}

func (a *secureTokenAccumulator) Finalize() (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.destroyed {
		return "", fmt.Errorf("accumulator already destroyed")
	}
	return string(a.buffer.Bytes()[:a.offset]), nil
}

func (a *secureTokenAccumulator) Destroy() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.destroyed {
		return
	}
	a.destroyed = true
	a.buffer.Destroy()
}

func (a *plainTokenAccumulator) Write(token string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.destroyed {
		return fmt.Errorf("accumulator already destroyed")
	}
	if len(a.data)+len(token) > AccumulatorBufferSize {
		return fmt.Errorf("reply exceeds accumulator capacity (%d bytes)", AccumulatorBufferSize)
	}
	a.data = append(a.data, token...)
	return nil
}

func (a *plainTokenAccumulator) Finalize() (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.destroyed {
		return "", fmt.Errorf("accumulator already destroyed")
	}
	return string(a.data), nil
}

func (a *plainTokenAccumulator) Destroy() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.destroyed {
		return
	}
	a.destroyed = true
	for i := range a.data {
		a.data[i] = 0
	}
	a.data = nil
}

package room

import (
	"crypto/rand"
	"crypto/sha1"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"sync"
	"time"
)

// CodeLength is the length of a room code in hex characters
const CodeLength = 6

// maxAllocateAttempts bounds the collision resample loop. With a 16^6 id
// space a handful of resamples only happens when the allocator is nearly
// full, which is far beyond realistic concurrent room counts.
const maxAllocateAttempts = 100

// Allocator issues short unique room codes and reclaims them when rooms die.
// It owns only the set of currently-issued codes, independent of whether the
// corresponding room still exists.
type Allocator struct {
	mu        sync.Mutex
	allocated map[string]struct{}
}

// NewAllocator creates an empty allocator
func NewAllocator() *Allocator {
	return &Allocator{
		allocated: make(map[string]struct{}),
	}
}

// Allocate returns a 6-character lowercase hex code unique among currently
// allocated codes. Candidates are derived by hashing fresh randomness with
// the current time and resampling on collision.
func (a *Allocator) Allocate() (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for i := 0; i < maxAllocateAttempts; i++ {
		id, err := generateCode()
		if err != nil {
			return "", err
		}
		if _, taken := a.allocated[id]; taken {
			continue
		}
		a.allocated[id] = struct{}{}
		return id, nil
	}
	return "", fmt.Errorf("failed to allocate room code after %d attempts", maxAllocateAttempts)
}

// Release returns a code to the available space. Releasing a code that is
// not allocated is a no-op.
func (a *Allocator) Release(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.allocated, id)
}

// IsAllocated reports whether the code is currently issued
func (a *Allocator) IsAllocated(id string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.allocated[id]
	return ok
}

// Count returns the number of currently issued codes
func (a *Allocator) Count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.allocated)
}

func generateCode() (string, error) {
	var seed [16]byte
	if _, err := rand.Read(seed[:8]); err != nil {
		return "", fmt.Errorf("failed to read randomness: %w", err)
	}
	binary.BigEndian.PutUint64(seed[8:], uint64(time.Now().UnixNano()))
	sum := sha1.Sum(seed[:])
	return hex.EncodeToString(sum[:])[:CodeLength], nil
}

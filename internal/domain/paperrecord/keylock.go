package paperrecord

import (
	"sync"

	"github.com/google/uuid"
)

type recordKey struct {
	patientID  uuid.UUID
	locationID uuid.UUID
}

// keyLock is a table of mutexes keyed by (patient, record location). Entries
// are reference counted and dropped when the last holder unlocks, so the table
// only holds keys that are in use.
type keyLock struct {
	mu    sync.Mutex
	locks map[recordKey]*keyLockEntry
}

type keyLockEntry struct {
	mu   sync.Mutex
	refs int
}

func newKeyLock() *keyLock {
	return &keyLock{locks: make(map[recordKey]*keyLockEntry)}
}

// Lock blocks until the key is free and returns the function releasing it.
func (k *keyLock) Lock(key recordKey) (unlock func()) {
	k.mu.Lock()
	e, ok := k.locks[key]
	if !ok {
		e = &keyLockEntry{}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

func (k *keyLock) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}

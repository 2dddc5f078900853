package paperrecord

import (
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestKeyLock_SerializesSameKey(t *testing.T) {
	k := newKeyLock()
	key := recordKey{patientID: uuid.New(), locationID: uuid.New()}

	var (
		mu      sync.Mutex
		inside  int
		maxSeen int
		wg      sync.WaitGroup
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := k.Lock(key)
			mu.Lock()
			inside++
			if inside > maxSeen {
				maxSeen = inside
			}
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			inside--
			mu.Unlock()
			unlock()
		}()
	}
	wg.Wait()

	if maxSeen != 1 {
		t.Errorf("expected at most one holder, saw %d", maxSeen)
	}
	if k.size() != 0 {
		t.Errorf("expected empty table, got %d keys", k.size())
	}
}

func TestKeyLock_DifferentKeysDoNotBlock(t *testing.T) {
	k := newKeyLock()
	patient := uuid.New()
	a := recordKey{patientID: patient, locationID: uuid.New()}
	b := recordKey{patientID: patient, locationID: uuid.New()}

	unlockA := k.Lock(a)
	defer unlockA()

	done := make(chan struct{})
	go func() {
		unlock := k.Lock(b)
		unlock()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on a different key blocked")
	}
	if k.size() != 1 {
		t.Errorf("expected 1 key held, got %d", k.size())
	}
}

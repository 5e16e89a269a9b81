package coordinator

import (
	"errors"
	"fmt"

	"github.com/gofrs/flock"
)

// ErrLocked is returned by Run when another campaign holds the lock.
var ErrLocked = errors.New("another campaign is running")

// acquireLock takes the advisory run lock without waiting.
func acquireLock(path string) (*flock.Flock, error) {
	fl := flock.New(path)
	ok, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", path, err)
	}
	if !ok {
		return nil, ErrLocked
	}
	return fl, nil
}

package detect

import (
	"context"
	"strconv"
	"time"

	"github.com/scottlaird/od-collector/storagelock"
)

const storageLockTimeSessionKey = "odStorageLockTime"

// sessionLockStore keeps the storage lock time in the tab's session
// storage, in milliseconds.  The client argument is ignored: session
// storage already scopes it to one visitor.
type sessionLockStore struct {
	storage SessionStorage
}

func (s sessionLockStore) LastLockTime(_ context.Context, _ string) (time.Time, bool, error) {
	v, ok := s.storage.GetItem(storageLockTimeSessionKey)
	if !ok {
		return time.Time{}, false, nil
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(ms), true, nil
}

func (s sessionLockStore) SetLastLockTime(_ context.Context, _ string, t time.Time) error {
	return s.storage.SetItem(storageLockTimeSessionKey, strconv.FormatInt(t.UnixMilli(), 10))
}

func newSessionLock(storage SessionStorage, ttlSeconds int) *storagelock.Lock {
	return storagelock.New(sessionLockStore{storage: storage}, time.Duration(ttlSeconds)*time.Second)
}

package cachemap

import "errors"

// Sentinel errors matching spec.md §7's error kinds that originate from the storage layer.
var (
	ErrStorageFull        = errors.New("cachemap: storage full")
	ErrStorageUnavailable = errors.New("cachemap: storage unavailable")
)

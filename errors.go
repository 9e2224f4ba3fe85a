package pagecache

import "errors"

// ErrNoBackingStore is returned by New when either backing-store
// callback is missing; the cache cannot service a miss or persist a
// dirty page without them.
var ErrNoBackingStore = errors.New("pagecache: backing-store callbacks are required")

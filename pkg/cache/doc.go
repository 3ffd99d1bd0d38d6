// Package cache coordinates refresh-ahead caching on Redis.
//
// A Read looks at the value and its remaining TTL in one script. When the
// value is fresh it is simply returned. When it is close to expiry, or gone,
// the script also tries to set a short-lived refresh marker with SET NX; the
// one caller that wins is told to recompute (RefreshNeeded or LockAcquired)
// and everyone else is told somebody already is (Refreshing or LockExists).
// Stale values keep being served while the refresh runs, so a popular key
// expiring never sends a herd of callers to the backing store.
//
// The winner writes the new value with Populate, which also clears the
// marker, or gives up with ReleaseMarker. If it crashes the marker expires on
// its own after the marker TTL.
//
// Markers are tokenised: Populate and ReleaseMarker only act while the
// caller's token still owns the marker, so a slow refresher whose marker
// expired cannot clear a newer refresher's marker.
package cache

package sync

import (
	"time"
)

// Resolve decides which side of a diverged record is authoritative using
// whole-record last-write-wins. It is a pure function: no I/O, deterministic,
// and idempotent for identical inputs.
//
// Rules:
//   - Neither side changed since lastSync: nothing to do.
//   - Exactly one side changed: that side wins.
//   - Both changed: an explicit delete at the same or later timestamp wins
//     over a concurrent update, otherwise the strictly later update wins and
//     ties go to the server, the arbiter of canonical ordering.
func Resolve(local, remote Version, lastSync time.Time) Resolution {
	localChanged := local.UpdatedAt.After(lastSync)
	remoteChanged := remote.UpdatedAt.After(lastSync)

	switch {
	case !localChanged && !remoteChanged:
		return NoConflict
	case localChanged && !remoteChanged:
		return LocalWins
	case !localChanged && remoteChanged:
		return ServerWins
	}

	// Both sides diverged. Delete intent must not be resurrected by a stale
	// concurrent update.
	if local.Deleted && !remote.Deleted && !local.UpdatedAt.Before(remote.UpdatedAt) {
		return LocalWins
	}
	if remote.Deleted && !local.Deleted && !remote.UpdatedAt.Before(local.UpdatedAt) {
		return ServerWins
	}

	if local.UpdatedAt.After(remote.UpdatedAt) {
		return LocalWins
	}
	return ServerWins
}

// Package registry tracks the connections currently eligible to receive
// broadcasts.
//
// Register admits a connection and fails with ErrDuplicateID on an id
// collision. Unregister is idempotent. Snapshot returns a point-in-time copy
// of member ids, ordered by admission, that the dispatcher iterates without
// holding any lock.
package registry

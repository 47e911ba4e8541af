// Package redis provides Redis-backed implementations of the reliability
// stores and locks.
//
// Client wraps a go-redis UniversalClient for standalone, sentinel or cluster
// deployments with rate-limited reconnects. Store implements store.Store over
// Redis hashes and Lua scripts, and LockManager implements lock.Locker with
// redsync.
package redis

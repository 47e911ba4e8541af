// Package lock provides lease-based mutual exclusion over named resources.
//
// A lock moves Free -> Held(token, deadline) -> Free, either by an explicit
// Release presenting the token issued at acquisition or by lease expiry.
// Release and Extend are capability based: only the exact token returned by
// TryAcquire can release or extend the lease, so a caller whose lease already
// expired cannot release a lock that someone else has since acquired.
//
// Waiting is a bounded poll at a fixed interval (50ms by default), not a wait
// queue. Acquisition is linearizable on the store's compare-and-insert but
// not fair: a new requester can win a just-freed lock ahead of an older
// waiter that is still sleeping between polls.
package lock

// Package cron computes run times for background loops.
//
// Two schedule kinds are supported: fixed intervals (Every, "@every 5s") for
// sub-minute loops such as outbox delivery, and standard 5-field cron
// expressions for minute-granularity jobs such as record reaping.
package cron

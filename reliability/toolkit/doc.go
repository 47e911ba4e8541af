// Package toolkit wires every coordinator of the module from one validated
// Config: idempotency, distributed locks, the transactional outbox, circuit
// breakers and the fallback coordinator. The backend is in-process memory or
// Redis.
//
// A Toolkit is a reliability.App, so it can be handed to a Launcher. Run
// starts the outbox dispatcher and, when configured, the expired record
// reaper; Shutdown stops both and closes the Redis client.
package toolkit

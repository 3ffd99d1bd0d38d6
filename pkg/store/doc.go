// Package store is the thin layer between the coordination primitives and the
// shared keyed store (Redis).
//
// Every primitive receives an explicit Client at construction time; nothing in
// this module reaches for a global connection. A primitive's compound
// operation (several dependent reads and writes) is one Lua script submitted
// through Executor.Run, and Redis guarantees the script runs without any
// other command interleaving. That is the only synchronization primitive the
// module relies on: there are no optimistic retry loops and no in-process
// mutexes guarding shared keys.
//
// Time-dependent logic reads the server clock (TIME) inside the script, so
// every caller agrees on "now" regardless of local clock drift. Scripts accept
// an explicit timestamp where the caller supplies one.
//
// # Configuration
//
// All primitives share the same functional options:
//
//	l, _ := lock.New(client,
//		store.WithNamespace("myapp:"),
//		store.WithTimeout(200*time.Millisecond),
//		store.WithRecorder(recorder),
//		store.WithLogger(logger),
//	)
//
// # Error Policy
//
// Store failures (connection errors, timeouts, cancelled contexts) are
// returned wrapped; errors.Is(err, context.DeadlineExceeded) keeps working.
// Nothing here retries. Contention is never an error: primitives report it
// as a result value the caller branches on.
package store

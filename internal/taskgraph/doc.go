// Package taskgraph stores the tasks of a workspace and answers which of them
// are ready to run.
//
// A task is ready when it is PENDING and every task it depends on exists and
// is COMPLETED. A dependency that does not exist keeps the task blocked.
//
// # Concurrency
//
// Every task carries a Version that advances by one on each accepted write.
// [Store.AtomicUpdate] applies a partial [Update] only when the caller's
// expected version still matches, and reports false otherwise. Callers
// re-read and try again; [UpdateWithRetry] wraps that loop and returns a
// [errors.ConflictError] when it gives up.
//
// # Implementations
//
//   - [MemoryStore]: map guarded by a mutex, with JSON snapshots via
//     [MemoryStore.SaveState] and [LoadState]
//   - [SQLiteStore]: pooled SQLite database; version checks and readiness
//     are evaluated in SQL
//
// # Plans
//
// [ImportPlan] reads a YAML plan:
//
//	workspace: ws-demo
//	tasks:
//	  - id: schema
//	    title: Write schema
//	  - id: api
//	    title: Define API
//	    depends_on: [schema]
//	    scope: ["internal/api/**"]
//
// Scope entries are glob patterns; [Task.Touches] tests a path against them.
package taskgraph

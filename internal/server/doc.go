// Package server provides HTTP routing, middleware and the JSON API for analysis runs.
//
// # Router Infrastructure
//
// The [Router] interface defines HTTP routing with middleware support.
//
// [Middleware] wraps handlers in reverse order (last added executes first), following the standard Go pattern.
//
// The [BasicRouter] implementation uses [http.ServeMux] internally with method patterns and path wildcards.
//
// # API
//
//	GET  /api/health                  → liveness and active run count
//	POST /api/analysis                → start a run (202) or return a reusable result (200)
//	GET  /api/analysis/{id}           → persisted run
//	GET  /api/analysis/{id}/progress  → live progress, or the persisted checkpoint once swept
//	POST /api/analysis/{id}/cancel    → request cooperative cancellation
//	GET  /api/analysis/{id}/groups    → groups re-resolved against the live library
//	GET  /api/analysis/{id}/impact    → cleanup impact and refresh suggestion
//	GET  /api/analysis/{id}/export    → streamed export, ?format=json|csv|markdown
//	POST /api/records/delete          → single, bulk or smart delete
//	GET  /api/audit                   → audit trail and summary, ?owner=&days=
//
// Errors are returned as {"error": "..."} with 400 for validation failures, 404 for unknown
// runs and 500 otherwise.
//
// # Lifecycle
//
// [Server.Serve] runs the registry janitor next to the HTTP server. When its context ends it
// cancels active runs and waits for them within the shutdown timeout.
package server

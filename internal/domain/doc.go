// Package domain defines the core types of the verification engine.
//
// Types in this package are pure value objects with no behavior beyond pure
// functions on the type itself. They are the shared language between the
// ingress, the controller, and the verifier workers.
//
// Rules for this package:
//   - No imports from other internal/ packages
//   - No *sql.DB, no http.Request, no context.Context in struct fields
//   - JSON tags are allowed (they're metadata, not behavior)
//   - Constants and enums belong here
package domain

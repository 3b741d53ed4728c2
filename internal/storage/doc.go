// Package storage persists the task registry as a full snapshot.
//
// Drivers:
//   - file: one indented JSON document, replaced atomically on every save
//   - sqlite: one table, rewritten inside a single transaction
package storage

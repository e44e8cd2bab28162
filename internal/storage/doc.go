// Package storage persists the task collection as one logical snapshot.
//
// Two drivers:
//   - file: JSON snapshot with tmp-write + atomic rename and a backup slot
//   - sqlite: full-collection replace inside a transaction (build tag "sqlite")
//
// Both drivers share the single-writer contract documented on Store.
package storage

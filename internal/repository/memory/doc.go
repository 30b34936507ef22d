// Package memory provides in-process implementations of the repositories.
// They back tests and single-node development runs; behaviour mirrors the
// Postgres implementations, including tenant isolation.
package memory

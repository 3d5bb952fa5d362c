// Package inference defines the shared domain types of the batch engine:
// requests, results, usage accounting, and the typed error model used for
// retry decisions. It has no concurrency of its own; every other package
// in the module builds on it.
package inference

// Package harvest defines the core types and contracts shared by the run
// orchestrator, the retry executor, and the per-site workers.
package harvest

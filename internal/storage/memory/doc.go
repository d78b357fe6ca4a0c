// Package memory implements the collaborator stores in process memory. It
// backs development runs without Postgres and the orchestrator tests.
package memory

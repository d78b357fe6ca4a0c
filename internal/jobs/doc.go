// Package jobs implements the durable work queue shared by the publish,
// scrape and notify families.
//
// Producers call Queue.Enqueue with a typed Payload. Consumers register a
// Handler per (queue, type) pair with their own concurrency; each slot claims
// one job at a time from the Store. Failed attempts are retried with
// exponential backoff until MaxAttempts is exhausted, except for errors
// wrapped with Fatal which fail the job immediately. Terminal jobs are kept
// only up to the configured retention counts.
package jobs

// Package notify turns domain notifications into queued jobs and fans each
// job out to the delivery channels.
package notify

// Package storage persists what the in-memory state cannot keep across
// restarts: the user-visible log, every code submission, and fetched
// attendance per (user, ISO week).
package storage

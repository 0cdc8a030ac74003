// Package persistence provides small JSON file persistence for runtime
// records that must survive a process restart, chiefly the supervisor's
// misbehaving-service record (spec §4.B.1, §9).
//
// Storage goes through afero.Fs so callers can swap in an in-memory
// filesystem for deterministic tests.
package persistence

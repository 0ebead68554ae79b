// Package editlock implements time-bounded advisory edit locks for admin
// records. A lock is a single cache entry keyed by record identity whose
// value names the holding session and the instant the hold began.
//
// The registry never deletes entries. A lock ends when its holder stops
// renewing and the cache TTL lapses, or when renewals hit the ceiling of
// AcquiredAt + MaxDuration. Acquisition is a plain read followed by a
// write, so two first-time requests racing for the same record may both
// be told they acquired it; the later write wins.
package editlock

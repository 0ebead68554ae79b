// Package cache provides the TTL key-value backends lock entries are kept
// in: a process-local map, Redis for multi-instance deployments, and
// ristretto. Absence of a key is the only "unlocked" signal, so every
// backend guarantees an expired entry is never returned by Get.
package cache

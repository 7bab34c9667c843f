// Package cache implements the two-tier versioned resolution cache.
//
// Tier 1 is a bounded process-local map. Tier 2 is a shared key-value store
// holding two keys per resource: "<base>:latest" with the current version
// label and "<base>:v:<version>" with the JSON payload. A Tier 1 entry is
// served while the latest pointer is absent or equal to its version.
package cache

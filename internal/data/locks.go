package data

import "hash/fnv"

// Advisory lock major keys. Each repository that serializes through
// pg_advisory_xact_lock gets its own major namespace so unrelated locks
// never collide.
const (
	advisoryLockRetentionMajor = 2000
	advisoryLockLogSeqMajor    = 2001
	advisoryLockLedgerMajor    = 2002

	advisoryLockRetentionDelete = 1
)

// hashStringToLockMinor folds a string key into the int32 minor slot of a
// two-key Postgres advisory lock. Collisions only cost extra serialization,
// never correctness.
func hashStringToLockMinor(s string) int32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(s))
	return int32(h.Sum32())
}

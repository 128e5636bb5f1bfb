package kvstore

// Entry is the keyspace's per-key record: a typed value, an optional
// absolute millisecond expiry, a version field, and the last-access
// millisecond timestamp. DB does not update Version; WATCH reads
// per-key versions from DB.KeyVersion instead.
type Entry struct {
	Value      Value
	ExpireAtMs int64 // 0 means no expiry
	Version    uint64
	LastAccess int64
}

// HasExpiry reports whether the entry carries a TTL.
func (e *Entry) HasExpiry() bool { return e.ExpireAtMs > 0 }

// ExpiredAt reports whether the entry's TTL has passed nowMs.
func (e *Entry) ExpiredAt(nowMs int64) bool {
	return e.HasExpiry() && e.ExpireAtMs <= nowMs
}

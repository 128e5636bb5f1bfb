// Package kvserver implements the wire-protocol-compatible key-value
// server: connection handling, command dispatch, and the glue between
// the keyspace, transaction, pub/sub, blocking, and persistence
// packages.
//
// Supported command families:
//   - Connection: PING, ECHO, AUTH, SELECT, QUIT, RESET
//   - Strings: GET, SET, APPEND, INCR/DECR family, GETSET, MGET, MSET, STRLEN
//   - Lists: LPUSH, RPUSH, LPOP, RPOP, LRANGE, LLEN, BLPOP, BRPOP
//   - Hashes: HSET, HGET, HDEL, HGETALL, HINCRBY
//   - Sets: SADD, SREM, SMEMBERS, SINTER, SUNION, SDIFF
//   - Sorted sets: ZADD, ZRANGE, ZSCORE, ZRANK, ZINCRBY
//   - Streams: XADD, XLEN, XRANGE, XREVRANGE, XDEL
//   - HyperLogLog: PFADD, PFCOUNT, PFMERGE
//   - Keys: DEL, EXPIRE, TTL, TYPE, SCAN, RENAME, SORT
//   - Transactions: MULTI, EXEC, DISCARD, WATCH, UNWATCH
//   - Pub/Sub: SUBSCRIBE, PUBLISH, PSUBSCRIBE
//   - Persistence: SAVE, BGSAVE, BGREWRITEAOF, LASTSAVE
//   - Admin: CONFIG, INFO, DBSIZE, FLUSHDB, FLUSHALL
package kvserver

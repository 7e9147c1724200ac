/*
Package checkpoint decides when an execution record is snapshotted and
stores the snapshots.

# Strategy

Strategy maps each unit of work to a Policy whose Mode is one of none,
manual, auto, periodic or on_complete. ShouldCheckpoint answers whether a
snapshot of a thread is due after a node; ResolveThreadID derives the store partition
for a (session, unit) pair.

# Stores

Store implementations share one contract: MemoryStore, RedisStore
(go-redis), SQLStore (gorm over postgres, mysql or sqlite) and MongoStore
(mongo-driver). HandleCache opens a store once per connection target and
closes them all with ReleaseAll. An unreachable store is an error; there
is no silent fallback to memory.
*/
package checkpoint

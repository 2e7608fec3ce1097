// Package memkv is a sharded in-memory key/value store with per-key TTL.
//
// Values are byte slices and are copied on the way in and out. Expired keys
// are removed lazily on access and by a background janitor. The store keeps
// cheap atomic counters that Metrics reports without taking shard locks.
package memkv

// Package pebblestore wraps a Pebble database for conveyor's shared state.
//
// The queue transport, deduplication store, and lease coordinator all live in
// one Pebble keyspace so a crash or restart observes a single consistent
// store. The wrapper centralizes fsync policy and exposes batch commits and
// bounded prefix iteration; key layout is owned by the packages that use it.
package pebblestore

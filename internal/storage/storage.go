// Package storage provides the persistent key-value store backing the
// durable action queue and the geofence checkpoint. All durable state in the
// engine funnels through the KV interface; no other package opens storage
// directly.
package storage

import "context"

// KV is a durable string key-value store. Get reports whether the key was
// present so an empty value is distinguishable from a missing one.
type KV interface {
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Set(ctx context.Context, key, value string) error
	Close() error
}

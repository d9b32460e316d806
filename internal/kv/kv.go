// Package kv is the device-local key-value storage boundary. Every
// persisted payload (close store, operator cache, clock records) is one
// namespaced key holding a versioned JSON document; implementations must
// make Set durable before returning.
package kv

import (
	"context"
	"errors"
)

var ErrUnavailable = errors.New("kv storage unavailable")

type Store interface {
	// Get returns the raw value for key and whether it exists.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// Set writes the value durably before returning.
	Set(ctx context.Context, key string, value []byte) error
	// Delete removes the key; deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}

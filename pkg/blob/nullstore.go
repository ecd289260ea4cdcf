package blob

import (
	"context"
	"fmt"
	"time"
)

// NullStore discards every Put and refuses to generate links. The master
// and slave binaries use it when no blob directory is configured, and tests
// that don't exercise blob handling use it as a safe zero-value Store. (A
// task with no stdout/stderr/artifact needs no special store: the Results
// Store simply never calls Put for that attempt.)
type NullStore struct{}

func (NullStore) Put(ctx context.Context, key string, data []byte) error { return nil }

func (NullStore) GenerateLink(key string, ttl time.Duration) (string, error) {
	return "", fmt.Errorf("blob: NullStore holds no data for key %q", key)
}

// Package blob defines the out-of-scope blob-store collaborator named in
// spec.md §1/§6: a put-by-key store with time-bounded download links. Put
// stores raw bytes only; no metadata is kept with a key (the master's /blob
// handler sets Content-Disposition when it serves a FileStore download).
// No object-storage SDK appears anywhere in
// the retrieved example corpus (see DESIGN.md), so this package provides a
// small interface plus a local filesystem-backed implementation that is
// enough to exercise the Results Store's upload/link contract in tests and
// in a single-host deployment.
package blob

import (
	"context"
	"time"
)

// Store is the put-by-key, generate-link interface spec.md §6 requires of
// the blob store collaborator.
type Store interface {
	// Put uploads data under key. The Results Store calls this with
	// stdout/stderr text and the artifact zip bytes.
	Put(ctx context.Context, key string, data []byte) error

	// GenerateLink returns a time-bounded download URL for a previously
	// put key, valid for ttl.
	GenerateLink(key string, ttl time.Duration) (string, error)
}

// DefaultLinkTTL is the "1 day expiry" named in spec.md §4.2.
const DefaultLinkTTL = 24 * time.Hour

// Package relay abstracts the untrusted storage intermediary as pure byte
// storage keyed by name. Backends know nothing about encryption, sequence
// ordering or conflict semantics, and perform no retries; transient-failure
// handling belongs to the push/pull engines.
package relay

import "context"

// Relay is the capability set every backend must provide.
type Relay interface {
	// Put stores data under name, overwriting any previous blob. Overwrites
	// of identical content are safe no-ops by protocol design.
	Put(ctx context.Context, name string, data []byte) error

	// Get returns the blob stored under name, or common.ErrNotFound.
	Get(ctx context.Context, name string) ([]byte, error)

	// List returns all names starting with prefix, in no particular order.
	List(ctx context.Context, prefix string) ([]string, error)

	// Delete removes the blob. Deleting a missing name is not an error.
	Delete(ctx context.Context, name string) error
}

// Backend identifiers accepted by New.
const (
	BackendFilesystem = "filesystem"
	BackendObjectSt   = "s3"
	BackendWebDAV     = "webdav"
	BackendPostgres   = "postgres"
)

// Package storage defines the Provider interface for storage backends
// attached to a node, and dispatches each advertised provider to one of a
// closed set of capability-equivalent variants.
package storage

import (
	"context"
	"io"

	"github.com/rdmount/rdmount/internal/protocol"
)

// Provider is the uniform contract every backend variant implements.
// Callers never branch on the variant; entries flow in and out carrying
// whatever opaque handle the variant needs (bridge link sets, object
// keys). Content is read in ranges, never pulled whole by contract, and
// uploads take a rewindable reader so a failed attempt can be replayed.
type Provider interface {
	// Kind returns the variant tag ("waterbutler", "s3").
	Kind() string

	// List returns the ordered entries of a folder.
	List(ctx context.Context, folder *protocol.RemoteEntry) ([]protocol.RemoteEntry, error)

	// Stat refreshes one entry's metadata.
	Stat(ctx context.Context, entry *protocol.RemoteEntry) (*protocol.RemoteEntry, error)

	// ReadRange reads one byte range of a file entry. length <= 0 reads
	// to the end.
	ReadRange(ctx context.Context, entry *protocol.RemoteEntry, offset, length int64) (io.ReadCloser, int64, error)

	// Upload creates a file under folder and commits content to it.
	Upload(ctx context.Context, folder *protocol.RemoteEntry, name string, content io.ReadSeeker, size int64) (*protocol.RemoteEntry, error)

	// Update replaces an existing file entry's content.
	Update(ctx context.Context, entry *protocol.RemoteEntry, content io.ReadSeeker, size int64) (*protocol.RemoteEntry, error)

	// Remove deletes a file entry.
	Remove(ctx context.Context, entry *protocol.RemoteEntry) error

	// Mkdir creates a folder under folder.
	Mkdir(ctx context.Context, folder *protocol.RemoteEntry, name string) (*protocol.RemoteEntry, error)

	// Rmdir deletes an empty folder entry. Emptiness is the caller's
	// check; variants delete whatever they are handed.
	Rmdir(ctx context.Context, entry *protocol.RemoteEntry) error

	// Rename moves entry into dstFolder under newName. Both ends must
	// belong to this provider.
	Rename(ctx context.Context, entry *protocol.RemoteEntry, dstFolder *protocol.RemoteEntry, newName string) error
}

// Package docstore is a versioned document store accessor.
//
// Every document carries an opaque version. Writers read a document, change it
// and write it back only if the version is unchanged; a concurrent writer makes
// the put fail with ErrVersionConflict. No transactions or locks are involved.
package docstore

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound        = errors.New("docstore: document not found")
	ErrAlreadyExists   = errors.New("docstore: document already exists")
	ErrVersionConflict = errors.New("docstore: version conflict")
	ErrInvalidDocument = errors.New("docstore: invalid document")
)

// Version identifies one revision of a document.
type Version int64

// Document is a raw JSON document with its current version.
type Document struct {
	ID        string
	Data      []byte
	Version   Version
	CreatedAt time.Time
}

// Store is implemented by every backend.
type Store interface {
	// Get returns the document or ErrNotFound.
	Get(ctx context.Context, collection, id string) (Document, error)
	// Create inserts a new document or returns ErrAlreadyExists.
	Create(ctx context.Context, collection, id string, data []byte) (Version, error)
	// PutIfVersion replaces the document only if its version still equals
	// expected. Returns ErrVersionConflict or ErrNotFound otherwise.
	PutIfVersion(ctx context.Context, collection, id string, data []byte, expected Version) (Version, error)
	// Query returns matching documents, newest first.
	Query(ctx context.Context, collection string, q Query) ([]Document, error)
	Ping(ctx context.Context) error
	Close() error
}

package docstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Entity is a record type that can check its own invariants.
type Entity interface {
	Validate() error
}

// Record is a decoded document.
type Record[T any] struct {
	ID        string
	Value     T
	Version   Version
	CreatedAt time.Time
}

// Collection is a typed view over one named collection of a Store.
// Values are validated on every read and write.
type Collection[T Entity] struct {
	store Store
	name  string
}

// NewCollection binds a collection name to a store.
func NewCollection[T Entity](store Store, name string) *Collection[T] {
	return &Collection[T]{store: store, name: name}
}

// Name returns the collection name.
func (c *Collection[T]) Name() string {
	return c.name
}

// Get reads and decodes one record.
func (c *Collection[T]) Get(ctx context.Context, id string) (Record[T], error) {
	doc, err := c.store.Get(ctx, c.name, id)
	if err != nil {
		return Record[T]{}, err
	}
	return c.decode(doc)
}

// Create inserts a new record.
func (c *Collection[T]) Create(ctx context.Context, id string, value T) (Record[T], error) {
	data, err := c.encode(id, value)
	if err != nil {
		return Record[T]{}, err
	}
	v, err := c.store.Create(ctx, c.name, id, data)
	if err != nil {
		return Record[T]{}, err
	}
	return Record[T]{ID: id, Value: value, Version: v}, nil
}

// WriteIfUnchanged replaces a record if its version still equals expected.
func (c *Collection[T]) WriteIfUnchanged(ctx context.Context, id string, value T, expected Version) (Version, error) {
	data, err := c.encode(id, value)
	if err != nil {
		return 0, err
	}
	return c.store.PutIfVersion(ctx, c.name, id, data, expected)
}

// Query returns matching records, newest first.
func (c *Collection[T]) Query(ctx context.Context, q Query) ([]Record[T], error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	docs, err := c.store.Query(ctx, c.name, q)
	if err != nil {
		return nil, err
	}
	out := make([]Record[T], 0, len(docs))
	for _, doc := range docs {
		rec, err := c.decode(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (c *Collection[T]) encode(id string, value T) ([]byte, error) {
	if err := value.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %s/%s: %v", ErrInvalidDocument, c.name, id, err)
	}
	data, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("docstore: encode %s/%s: %w", c.name, id, err)
	}
	return data, nil
}

func (c *Collection[T]) decode(doc Document) (Record[T], error) {
	var value T
	if err := json.Unmarshal(doc.Data, &value); err != nil {
		return Record[T]{}, fmt.Errorf("docstore: decode %s/%s: %w", c.name, doc.ID, err)
	}
	if err := value.Validate(); err != nil {
		return Record[T]{}, fmt.Errorf("%w: %s/%s: %v", ErrInvalidDocument, c.name, doc.ID, err)
	}
	return Record[T]{ID: doc.ID, Value: value, Version: doc.Version, CreatedAt: doc.CreatedAt}, nil
}

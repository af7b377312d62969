package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
)

// Decoder hydrates a typed value from a snapshot.
type Decoder[T any] func(snap *firestore.DocumentSnapshot) (T, error)

// QueryBuilder customises Firestore queries before execution.
type QueryBuilder func(query firestore.Query) firestore.Query

// Collection is a typed accessor for one Firestore collection. It offers the
// same reads inside and outside transactions so repositories share decoding.
type Collection[T any] struct {
	provider *Provider
	name     string
	decode   Decoder[T]
}

// NewCollection binds a collection name to a decoder. A nil decoder uses
// Firestore's struct mapping.
func NewCollection[T any](provider *Provider, name string, decode Decoder[T]) *Collection[T] {
	if decode == nil {
		decode = func(snap *firestore.DocumentSnapshot) (T, error) {
			var target T
			err := snap.DataTo(&target)
			return target, err
		}
	}
	return &Collection[T]{provider: provider, name: strings.TrimSpace(name), decode: decode}
}

// Name returns the collection name.
func (c *Collection[T]) Name() string { return c.name }

// Ref returns the document reference for id.
func (c *Collection[T]) Ref(ctx context.Context, id string) (*firestore.DocumentRef, error) {
	if strings.TrimSpace(id) == "" {
		return nil, NewError(c.op("ref"), KindUnknown, errors.New("firestore: document id is required"))
	}
	if c.provider == nil {
		return nil, NewError(c.op("ref"), KindUnknown, errors.New("firestore: provider is nil"))
	}
	client, err := c.provider.Client(ctx)
	if err != nil {
		return nil, err
	}
	return client.Collection(c.name).Doc(id), nil
}

// Get reads and decodes one document.
func (c *Collection[T]) Get(ctx context.Context, id string) (T, error) {
	var zero T
	ref, err := c.Ref(ctx, id)
	if err != nil {
		return zero, err
	}
	snap, err := ref.Get(ctx)
	if err != nil {
		return zero, WrapError(c.op("get"), err)
	}
	return c.decodeSnapshot(snap)
}

// GetTx reads one document inside tx. found is false for missing documents.
func (c *Collection[T]) GetTx(ctx context.Context, tx *firestore.Transaction, id string) (value T, found bool, err error) {
	ref, err := c.Ref(ctx, id)
	if err != nil {
		return value, false, err
	}
	snap, err := tx.Get(ref)
	if err != nil {
		wrapped := WrapError(c.op("tx_get"), err)
		var ferr *Error
		if errors.As(wrapped, &ferr) && ferr.IsNotFound() {
			return value, false, nil
		}
		return value, false, wrapped
	}
	value, err = c.decodeSnapshot(snap)
	return value, err == nil, err
}

// Query runs a query over the collection and decodes every result.
func (c *Collection[T]) Query(ctx context.Context, build QueryBuilder) ([]T, error) {
	if c.provider == nil {
		return nil, NewError(c.op("query"), KindUnknown, errors.New("firestore: provider is nil"))
	}
	client, err := c.provider.Client(ctx)
	if err != nil {
		return nil, err
	}
	query := client.Collection(c.name).Query
	if build != nil {
		query = build(query)
	}
	iter := query.Documents(ctx)
	defer iter.Stop()

	var out []T
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			return out, nil
		}
		if err != nil {
			return nil, WrapError(c.op("query"), err)
		}
		value, err := c.decodeSnapshot(snap)
		if err != nil {
			return nil, err
		}
		out = append(out, value)
	}
}

func (c *Collection[T]) decodeSnapshot(snap *firestore.DocumentSnapshot) (T, error) {
	value, err := c.decode(snap)
	if err != nil {
		return value, fmt.Errorf("firestore: decode %s/%s: %w", c.name, snap.Ref.ID, err)
	}
	return value, nil
}

func (c *Collection[T]) op(action string) string {
	name := c.name
	if name == "" {
		name = "firestore"
	}
	return name + "." + action
}

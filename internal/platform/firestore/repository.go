package firestore

import (
	"context"
	"errors"
	"fmt"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
)

// Decoder hydrates a typed value from a snapshot. Decoders are strict: a document that
// cannot be represented must return an error instead of a zero value.
type Decoder[T any] func(snap *firestore.DocumentSnapshot) (T, error)

// StructDecoder decodes the snapshot into the document struct D and converts it with fn.
func StructDecoder[D any, T any](fn func(id string, doc D) (T, error)) Decoder[T] {
	return func(snap *firestore.DocumentSnapshot) (T, error) {
		var (
			doc  D
			zero T
		)
		if err := snap.DataTo(&doc); err != nil {
			return zero, fmt.Errorf("decode %s: %w", snap.Ref.ID, err)
		}
		return fn(snap.Ref.ID, doc)
	}
}

// Get fetches a document and decodes it.
func Get[T any](ctx context.Context, ref *firestore.DocumentRef, op string, decode Decoder[T]) (T, error) {
	var zero T
	snap, err := ref.Get(ctx)
	if err != nil {
		return zero, WrapError(op, err)
	}
	return decode(snap)
}

// GetTx fetches a document inside a transaction and decodes it. Missing documents are
// reported as an Error with IsNotFound.
func GetTx[T any](tx *firestore.Transaction, ref *firestore.DocumentRef, op string, decode Decoder[T]) (T, error) {
	var zero T
	snap, err := tx.Get(ref)
	if err != nil {
		return zero, WrapError(op, err)
	}
	if !snap.Exists() {
		return zero, NotFound(op, fmt.Errorf("%s not found", ref.ID))
	}
	return decode(snap)
}

// LookupTx reads an optional document inside a transaction. found is false when the
// document does not exist.
func LookupTx[T any](tx *firestore.Transaction, ref *firestore.DocumentRef, op string, decode Decoder[T]) (value T, found bool, err error) {
	snap, err := tx.Get(ref)
	if err != nil {
		wrapped := WrapError(op, err)
		var repoErr *Error
		if errors.As(wrapped, &repoErr) && repoErr.IsNotFound() {
			return value, false, nil
		}
		return value, false, wrapped
	}
	if !snap.Exists() {
		return value, false, nil
	}
	value, err = decode(snap)
	if err != nil {
		return value, false, err
	}
	return value, true, nil
}

// QueryAll executes the query and decodes every result. A single undecodable document
// fails the whole query.
func QueryAll[T any](ctx context.Context, query firestore.Query, op string, decode Decoder[T]) ([]T, error) {
	iter := query.Documents(ctx)
	defer iter.Stop()

	var out []T
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			return out, nil
		}
		if err != nil {
			return nil, WrapError(op, err)
		}
		value, err := decode(snap)
		if err != nil {
			return nil, err
		}
		out = append(out, value)
	}
}

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Collection names an independent keyspace in the local store.
type Collection string

const (
	CollectionBooks       Collection = "books"
	CollectionProgress    Collection = "progress"
	CollectionChat        Collection = "chat"
	CollectionCredentials Collection = "credentials"
	CollectionScores      Collection = "scores"
	CollectionRoomsJoined Collection = "rooms_joined"
)

// Collections lists every collection provisioned when a store is opened.
var Collections = []Collection{
	CollectionBooks,
	CollectionProgress,
	CollectionChat,
	CollectionCredentials,
	CollectionScores,
	CollectionRoomsJoined,
}

// SchemaVersion is recorded once per namespace when a durable store is provisioned.
const SchemaVersion = 1

var ErrUnknownCollection = errors.New("unknown collection")

// Record is a raw stored value together with its primary key.
type Record struct {
	Key  string          `json:"key"`
	Data json.RawMessage `json:"data"`
}

// Decode unmarshals the record payload into out.
func (r Record) Decode(out any) error {
	if err := json.Unmarshal(r.Data, out); err != nil {
		return fmt.Errorf("decode %s: %w", r.Key, err)
	}
	return nil
}

// Store is the durable local store used for offline operation.
// Every call is atomic on its own; there are no multi-call transactions.
type Store interface {
	// Put upserts value under key.
	Put(ctx context.Context, c Collection, key string, value any) error
	// Get decodes the record stored under key into out.
	Get(ctx context.Context, c Collection, key string, out any) (bool, error)
	// GetAll returns every record of the collection in no particular order.
	GetAll(ctx context.Context, c Collection) ([]Record, error)
	Delete(ctx context.Context, c Collection, key string) error
	Clear(ctx context.Context, c Collection) error
	// Append stores build(id) under the next auto-increment id of the collection.
	// Ids keep increasing across Clear.
	Append(ctx context.Context, c Collection, build func(id int64) any) (int64, error)
	ClearAll(ctx context.Context) error
	Close() error
}

func validCollection(c Collection) error {
	for _, known := range Collections {
		if c == known {
			return nil
		}
	}
	return fmt.Errorf("%w: %q", ErrUnknownCollection, string(c))
}

func encode(value any) ([]byte, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("encode record: %w", err)
	}
	return data, nil
}

func decodeInto(data []byte, out any) error {
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode record: %w", err)
	}
	return nil
}

// AppendKey formats an auto-increment id as a record key.
func AppendKey(id int64) string {
	return fmt.Sprintf("%d", id)
}

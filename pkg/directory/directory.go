package directory

import (
	"context"
	"time"
)

const (
	CollectionRooms    = "rooms"
	CollectionAccounts = "accounts"
)

// Session is an authenticated handle returned by VerifyCredential.
type Session struct {
	Identity  string    `json:"identity"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Document is a schemaless record in a directory collection.
type Document struct {
	ID   string         `json:"id"`
	Data map[string]any `json:"data"`
}

// Condition matches documents whose string field equals Value.
type Condition struct {
	Field string `json:"field"`
	Value string `json:"value"`
}

// Filter is a conjunction of conditions. The empty filter matches everything.
type Filter []Condition

// Eq builds a single-condition filter.
func Eq(field, value string) Filter {
	return Filter{{Field: field, Value: value}}
}

// Directory is the authoritative remote service. Every failure to reach it or
// to understand its answer is reported as domain.ErrTransport.
type Directory interface {
	CreateCredential(ctx context.Context, identity, secret string) error
	VerifyCredential(ctx context.Context, identity, secret string) (Session, error)
	UpdateSecret(ctx context.Context, session Session, newSecret string) error

	// CreateDocument writes payload under id, replacing any existing document.
	CreateDocument(ctx context.Context, collection, id string, payload any) error
	UpdateDocument(ctx context.Context, collection, id string, patch Patch) error
	DeleteDocument(ctx context.Context, collection, id string) error
	GetDocument(ctx context.Context, collection, id string) (Document, error)

	// Subscribe delivers the full matching result set right away and again after
	// every change to the collection. The returned func stops delivery.
	Subscribe(ctx context.Context, collection string, filter Filter, onChange func([]Document)) (func(), error)
}

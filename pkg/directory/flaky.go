package directory

import (
	"context"
	"sync/atomic"

	"gamedo/pkg/domain"
)

// FlakyDirectory wraps a Directory and fails every call with ErrTransport while offline.
// It simulates losing connectivity without tearing down the real service.
type FlakyDirectory struct {
	next    Directory
	offline atomic.Bool
}

func NewFlakyDirectory(next Directory) *FlakyDirectory {
	return &FlakyDirectory{next: next}
}

// SetOffline toggles simulated connectivity loss.
func (f *FlakyDirectory) SetOffline(offline bool) {
	f.offline.Store(offline)
}

func (f *FlakyDirectory) Offline() bool {
	return f.offline.Load()
}

func (f *FlakyDirectory) CreateCredential(ctx context.Context, identity, secret string) error {
	if f.Offline() {
		return domain.ErrTransport
	}
	return f.next.CreateCredential(ctx, identity, secret)
}

func (f *FlakyDirectory) VerifyCredential(ctx context.Context, identity, secret string) (Session, error) {
	if f.Offline() {
		return Session{}, domain.ErrTransport
	}
	return f.next.VerifyCredential(ctx, identity, secret)
}

func (f *FlakyDirectory) UpdateSecret(ctx context.Context, session Session, newSecret string) error {
	if f.Offline() {
		return domain.ErrTransport
	}
	return f.next.UpdateSecret(ctx, session, newSecret)
}

func (f *FlakyDirectory) CreateDocument(ctx context.Context, collection, id string, payload any) error {
	if f.Offline() {
		return domain.ErrTransport
	}
	return f.next.CreateDocument(ctx, collection, id, payload)
}

func (f *FlakyDirectory) UpdateDocument(ctx context.Context, collection, id string, patch Patch) error {
	if f.Offline() {
		return domain.ErrTransport
	}
	return f.next.UpdateDocument(ctx, collection, id, patch)
}

func (f *FlakyDirectory) DeleteDocument(ctx context.Context, collection, id string) error {
	if f.Offline() {
		return domain.ErrTransport
	}
	return f.next.DeleteDocument(ctx, collection, id)
}

func (f *FlakyDirectory) GetDocument(ctx context.Context, collection, id string) (Document, error) {
	if f.Offline() {
		return Document{}, domain.ErrTransport
	}
	return f.next.GetDocument(ctx, collection, id)
}

func (f *FlakyDirectory) Subscribe(ctx context.Context, collection string, filter Filter, onChange func([]Document)) (func(), error) {
	if f.Offline() {
		return nil, domain.ErrTransport
	}
	return f.next.Subscribe(ctx, collection, filter, onChange)
}

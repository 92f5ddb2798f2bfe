package directory

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"gamedo/pkg/auth"
	"gamedo/pkg/domain"
)

// MemoryDirectory is the in-process reference directory. It backs the
// directory service and the embedded mode of the learner service.
type MemoryDirectory struct {
	sessions *Sessions

	mu          sync.Mutex
	credentials map[string]string // identity -> bcrypt hash
	docs        map[string]map[string]map[string]any
	subs        map[uint64]*subscription
	nextSubID   uint64
}

// NewMemoryDirectory builds an empty directory using sessions for credential checks.
func NewMemoryDirectory(sessions *Sessions) *MemoryDirectory {
	return &MemoryDirectory{
		sessions:    sessions,
		credentials: make(map[string]string),
		docs:        make(map[string]map[string]map[string]any),
		subs:        make(map[uint64]*subscription),
	}
}

func (d *MemoryDirectory) CreateCredential(_ context.Context, identity, secret string) error {
	if identity == "" {
		return fmt.Errorf("%w: identity is required", domain.ErrInvalidInput)
	}
	if err := auth.ValidatePassword(secret); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
	}
	hash, err := auth.HashPassword(secret)
	if err != nil {
		return fmt.Errorf("hash secret: %w", err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.credentials[identity]; exists {
		return domain.ErrAlreadyExists
	}
	d.credentials[identity] = hash
	return nil
}

func (d *MemoryDirectory) VerifyCredential(_ context.Context, identity, secret string) (Session, error) {
	d.mu.Lock()
	hash, ok := d.credentials[identity]
	d.mu.Unlock()
	if !ok || !auth.CheckPassword(secret, hash) {
		return Session{}, domain.ErrInvalidCredential
	}
	return d.sessions.Issue(identity)
}

func (d *MemoryDirectory) UpdateSecret(_ context.Context, session Session, newSecret string) error {
	identity, err := d.sessions.Verify(session.Token)
	if err != nil {
		return err
	}
	if err := auth.ValidatePassword(newSecret); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
	}
	hash, err := auth.HashPassword(newSecret)
	if err != nil {
		return fmt.Errorf("hash secret: %w", err)
	}
	d.mu.Lock()
	if _, ok := d.credentials[identity]; !ok {
		d.mu.Unlock()
		return domain.ErrUnauthenticated
	}
	d.credentials[identity] = hash
	d.mu.Unlock()
	return d.sessions.RevokeBefore(identity)
}

func (d *MemoryDirectory) CreateDocument(_ context.Context, collection, id string, payload any) error {
	if collection == "" || id == "" {
		return fmt.Errorf("%w: collection and id are required", domain.ErrInvalidInput)
	}
	data, err := ToDocumentData(payload)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.docs[collection] == nil {
		d.docs[collection] = make(map[string]map[string]any)
	}
	d.docs[collection][id] = data
	d.notifyLocked(collection)
	return nil
}

func (d *MemoryDirectory) UpdateDocument(_ context.Context, collection, id string, patch Patch) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	current, ok := d.docs[collection][id]
	if !ok {
		return domain.ErrNotFound
	}
	// Patch a copy so a failing op leaves the stored document untouched.
	next := cloneData(current)
	if err := ApplyPatch(next, patch); err != nil {
		return err
	}
	d.docs[collection][id] = next
	d.notifyLocked(collection)
	return nil
}

func (d *MemoryDirectory) DeleteDocument(_ context.Context, collection, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.docs[collection][id]; !ok {
		return nil
	}
	delete(d.docs[collection], id)
	d.notifyLocked(collection)
	return nil
}

func (d *MemoryDirectory) GetDocument(_ context.Context, collection, id string) (Document, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	data, ok := d.docs[collection][id]
	if !ok {
		return Document{}, domain.ErrNotFound
	}
	return Document{ID: id, Data: cloneData(data)}, nil
}

func (d *MemoryDirectory) Subscribe(_ context.Context, collection string, filter Filter, onChange func([]Document)) (func(), error) {
	if onChange == nil {
		return nil, fmt.Errorf("%w: onChange is required", domain.ErrInvalidInput)
	}
	d.mu.Lock()
	d.nextSubID++
	sub := newSubscription(d.nextSubID, collection, filter, onChange)
	d.subs[sub.id] = sub
	sub.push(d.snapshotLocked(collection, filter))
	d.mu.Unlock()

	go sub.run()
	slog.Debug("directory subscription opened", "collection", collection, "sub_id", sub.id)

	var once sync.Once
	return func() {
		once.Do(func() {
			d.mu.Lock()
			delete(d.subs, sub.id)
			d.mu.Unlock()
			sub.stop()
		})
	}, nil
}

// ActiveSubscriptions reports the number of live subscriptions.
func (d *MemoryDirectory) ActiveSubscriptions() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.subs)
}

func (d *MemoryDirectory) notifyLocked(collection string) {
	for _, sub := range d.subs {
		if sub.collection != collection {
			continue
		}
		sub.push(d.snapshotLocked(collection, sub.filter))
	}
}

func (d *MemoryDirectory) snapshotLocked(collection string, filter Filter) []Document {
	docs := make([]Document, 0, len(d.docs[collection]))
	for id, data := range d.docs[collection] {
		if !filter.Matches(data) {
			continue
		}
		docs = append(docs, Document{ID: id, Data: cloneData(data)})
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].ID < docs[j].ID })
	return docs
}

// subscription delivers snapshots on its own goroutine. Only the latest pending
// snapshot is kept, since each one supersedes the previous.
type subscription struct {
	id         uint64
	collection string
	filter     Filter
	onChange   func([]Document)
	updates    chan []Document
	done       chan struct{}
	stopOnce   sync.Once
}

func newSubscription(id uint64, collection string, filter Filter, onChange func([]Document)) *subscription {
	return &subscription{
		id:         id,
		collection: collection,
		filter:     filter,
		onChange:   onChange,
		updates:    make(chan []Document, 1),
		done:       make(chan struct{}),
	}
}

func (s *subscription) push(snapshot []Document) {
	for {
		select {
		case s.updates <- snapshot:
			return
		default:
		}
		select {
		case <-s.updates:
		default:
		}
	}
}

func (s *subscription) run() {
	for {
		select {
		case <-s.done:
			return
		case snapshot := <-s.updates:
			select {
			case <-s.done:
				return
			default:
			}
			s.onChange(snapshot)
		}
	}
}

func (s *subscription) stop() {
	s.stopOnce.Do(func() { close(s.done) })
}

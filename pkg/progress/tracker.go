package progress

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"gamedo/pkg/domain"
	"gamedo/pkg/store"
)

// Tracker records reading progress and the chat history in the local store.
type Tracker struct {
	local     store.Store
	responder *Responder
	now       func() time.Time

	scoreMu sync.Mutex
}

type Option func(*Tracker)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// WithResponder sets the auto-responder used by Ask.
func WithResponder(r *Responder) Option {
	return func(t *Tracker) { t.responder = r }
}

func NewTracker(local store.Store, opts ...Option) (*Tracker, error) {
	if local == nil {
		return nil, errors.New("progress: local store is required")
	}
	t := &Tracker{local: local, now: time.Now}
	for _, opt := range opts {
		opt(t)
	}
	if t.responder == nil {
		t.responder = NewResponder(local, nil)
	}
	return t, nil
}

// MarkComplete upserts the progress record of one chapter. Marking the same
// chapter again only moves its timestamp.
func (t *Tracker) MarkComplete(ctx context.Context, bookID string, chapterIndex int) (domain.ProgressRecord, error) {
	if bookID == "" || chapterIndex < 0 {
		return domain.ProgressRecord{}, fmt.Errorf("%w: book id and a non-negative chapter index are required", domain.ErrInvalidInput)
	}
	rec := domain.ProgressRecord{
		ID:           domain.ProgressID(bookID, chapterIndex),
		BookID:       bookID,
		ChapterIndex: chapterIndex,
		Completed:    true,
		Timestamp:    t.now().UTC(),
	}
	if err := t.local.Put(ctx, store.CollectionProgress, rec.ID, rec); err != nil {
		return domain.ProgressRecord{}, fmt.Errorf("mark complete: %w", err)
	}
	return rec, nil
}

// BookProgress returns the progress records of one book by chapter index.
func (t *Tracker) BookProgress(ctx context.Context, bookID string) ([]domain.ProgressRecord, error) {
	records, err := t.local.GetAll(ctx, store.CollectionProgress)
	if err != nil {
		return nil, err
	}
	out := make([]domain.ProgressRecord, 0)
	for _, r := range records {
		var p domain.ProgressRecord
		if err := r.Decode(&p); err != nil {
			return nil, err
		}
		if p.BookID == bookID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChapterIndex < out[j].ChapterIndex })
	return out, nil
}

// AppendMessage stores msg under the next chat id and returns it with the id set.
func (t *Tracker) AppendMessage(ctx context.Context, msg domain.ChatMessage) (domain.ChatMessage, error) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = t.now().UTC()
	}
	id, err := t.local.Append(ctx, store.CollectionChat, func(id int64) any {
		msg.ID = id
		return msg
	})
	if err != nil {
		return domain.ChatMessage{}, fmt.Errorf("append message: %w", err)
	}
	msg.ID = id
	return msg, nil
}

// Messages returns the chat history in insertion order.
func (t *Tracker) Messages(ctx context.Context) ([]domain.ChatMessage, error) {
	records, err := t.local.GetAll(ctx, store.CollectionChat)
	if err != nil {
		return nil, err
	}
	out := make([]domain.ChatMessage, 0, len(records))
	for _, r := range records {
		var m domain.ChatMessage
		if err := r.Decode(&m); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (t *Tracker) ClearMessages(ctx context.Context) error {
	return t.local.Clear(ctx, store.CollectionChat)
}

// Ask stores the user's question and the auto-responder's reply.
func (t *Tracker) Ask(ctx context.Context, user, query string) (domain.ChatMessage, domain.ChatMessage, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return domain.ChatMessage{}, domain.ChatMessage{}, fmt.Errorf("%w: message is empty", domain.ErrInvalidInput)
	}
	if user == "" {
		user = "student"
	}
	question, err := t.AppendMessage(ctx, domain.ChatMessage{Role: domain.MessageRoleUser, User: user, Text: query})
	if err != nil {
		return domain.ChatMessage{}, domain.ChatMessage{}, err
	}
	text, err := t.responder.Reply(ctx, query)
	if err != nil {
		return question, domain.ChatMessage{}, err
	}
	answer, err := t.AppendMessage(ctx, domain.ChatMessage{Role: domain.MessageRoleAssistant, User: "assistant", Text: text})
	if err != nil {
		return question, domain.ChatMessage{}, err
	}
	return question, answer, nil
}

package content

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"gamedo/pkg/domain"
	"gamedo/pkg/store"
)

// Source tells where a resolved book came from.
type Source string

const (
	SourceCache   Source = "cache"
	SourceCatalog Source = "catalog"
)

type resolved struct {
	book   domain.Book
	source Source
}

// Resolver serves books from the local store, downloading them from the
// catalog on first use. It never talks to the remote directory.
type Resolver struct {
	local   store.Store
	catalog *Catalog
	group   singleflight.Group
}

func NewResolver(local store.Store, catalog *Catalog) (*Resolver, error) {
	if local == nil {
		return nil, errors.New("content: local store is required")
	}
	if catalog == nil {
		return nil, errors.New("content: catalog is required")
	}
	return &Resolver{local: local, catalog: catalog}, nil
}

// Resolve returns the book for an exact (class, subject, language) selector.
func (r *Resolver) Resolve(ctx context.Context, class int, subject string, language domain.Language) (domain.Book, Source, error) {
	key := fmt.Sprintf("%d|%s|%s", class, subject, language)
	v, err, _ := r.group.Do(key, func() (any, error) {
		return r.resolve(ctx, class, subject, language)
	})
	if err != nil {
		return domain.Book{}, "", err
	}
	res := v.(resolved)
	return res.book, res.source, nil
}

func (r *Resolver) resolve(ctx context.Context, class int, subject string, language domain.Language) (resolved, error) {
	cached, err := r.cachedBooks(ctx)
	if err != nil {
		return resolved{}, err
	}
	for _, b := range cached {
		if b.Matches(class, subject, language) {
			return resolved{book: b, source: SourceCache}, nil
		}
	}
	book, ok := r.catalog.Lookup(class, subject, language)
	if !ok {
		return resolved{}, fmt.Errorf("class %d %s in %s: %w", class, subject, language, domain.ErrNotAvailable)
	}
	if err := r.local.Put(ctx, store.CollectionBooks, book.ID, book); err != nil {
		return resolved{}, fmt.Errorf("save book: %w", err)
	}
	slog.Info("book downloaded", "book_id", book.ID, "class", class, "subject", subject, "language", language)
	return resolved{book: book, source: SourceCatalog}, nil
}

// DownloadClass resolves every catalog book of one class and language, at most
// concurrency at a time.
func (r *Resolver) DownloadClass(ctx context.Context, class int, language domain.Language, concurrency int) ([]domain.Book, error) {
	if concurrency <= 0 {
		concurrency = 1
	}
	var wanted []domain.Book
	for _, b := range r.catalog.Books() {
		if b.Class == class && b.Language == language {
			wanted = append(wanted, b)
		}
	}
	out := make([]domain.Book, len(wanted))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for i, b := range wanted {
		g.Go(func() error {
			book, _, err := r.Resolve(gctx, b.Class, b.Subject, b.Language)
			if err != nil {
				return err
			}
			out[i] = book
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// Downloaded lists cached books in language, sorted by class and subject.
// An empty language lists every cached book.
func (r *Resolver) Downloaded(ctx context.Context, language domain.Language) ([]domain.Book, error) {
	cached, err := r.cachedBooks(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Book, 0, len(cached))
	for _, b := range cached {
		if language == "" || b.Language == language {
			out = append(out, b)
		}
	}
	sortBooks(out)
	return out, nil
}

// Book returns a cached book by id.
func (r *Resolver) Book(ctx context.Context, id string) (domain.Book, error) {
	var book domain.Book
	found, err := r.local.Get(ctx, store.CollectionBooks, id, &book)
	if err != nil {
		return domain.Book{}, err
	}
	if !found {
		return domain.Book{}, fmt.Errorf("book %s: %w", id, domain.ErrNotFound)
	}
	return book, nil
}

// Catalog exposes the catalog the resolver downloads from.
func (r *Resolver) Catalog() *Catalog {
	return r.catalog
}

func (r *Resolver) cachedBooks(ctx context.Context) ([]domain.Book, error) {
	records, err := r.local.GetAll(ctx, store.CollectionBooks)
	if err != nil {
		return nil, fmt.Errorf("list books: %w", err)
	}
	books := make([]domain.Book, 0, len(records))
	for _, rec := range records {
		var b domain.Book
		if err := rec.Decode(&b); err != nil {
			return nil, err
		}
		books = append(books, b)
	}
	return books, nil
}

package content

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"gamedo/pkg/domain"
	"gamedo/pkg/storage"
	"gamedo/pkg/store"
)

func newTestResolver(t *testing.T) (*Resolver, *store.MemoryStore) {
	t.Helper()
	catalog, err := DefaultCatalog()
	if err != nil {
		t.Fatalf("default catalog: %v", err)
	}
	local := store.NewMemoryStore()
	r, err := NewResolver(local, catalog)
	if err != nil {
		t.Fatalf("new resolver: %v", err)
	}
	return r, local
}

func TestResolveDownloadsThenServesFromCache(t *testing.T) {
	ctx := context.Background()
	r, local := newTestResolver(t)

	first, source, err := r.Resolve(ctx, 6, "Science", domain.LanguageEnglish)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if source != SourceCatalog {
		t.Fatalf("first resolve source = %q, want catalog", source)
	}
	if first.Class != 6 || first.Subject != "Science" || first.Language != domain.LanguageEnglish {
		t.Fatalf("unexpected book: %+v", first)
	}
	records, err := local.GetAll(ctx, store.CollectionBooks)
	if err != nil || len(records) != 1 {
		t.Fatalf("book should be saved locally: %d records, err=%v", len(records), err)
	}

	second, source, err := r.Resolve(ctx, 6, "Science", domain.LanguageEnglish)
	if err != nil {
		t.Fatalf("second resolve: %v", err)
	}
	if source != SourceCache || second.ID != first.ID {
		t.Fatalf("second resolve = %s from %s, want %s from cache", second.ID, source, first.ID)
	}
	records, _ = local.GetAll(ctx, store.CollectionBooks)
	if len(records) != 1 {
		t.Fatalf("second resolve must not duplicate the book, got %d records", len(records))
	}
}

func TestResolveMatchesExactly(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestResolver(t)

	tests := []struct {
		class    int
		subject  string
		language domain.Language
	}{
		{6, "science", domain.LanguageEnglish},
		{6, "Science ", domain.LanguageEnglish},
		{12, "Science", domain.LanguageEnglish},
		{7, "Math", domain.LanguageOdia},
	}
	for _, tt := range tests {
		if _, _, err := r.Resolve(ctx, tt.class, tt.subject, tt.language); !errors.Is(err, domain.ErrNotAvailable) {
			t.Fatalf("Resolve(%d, %q, %s): expected not available, got %v", tt.class, tt.subject, tt.language, err)
		}
	}
	book, _, err := r.Resolve(ctx, 6, "Science", domain.LanguageOdia)
	if err != nil {
		t.Fatalf("odia resolve: %v", err)
	}
	if book.Language != domain.LanguageOdia {
		t.Fatalf("language = %s, want Odia", book.Language)
	}
}

func TestResolvePrefersLocalCopy(t *testing.T) {
	ctx := context.Background()
	r, local := newTestResolver(t)
	custom := domain.Book{ID: "teacher-notes", Title: "Notes", Class: 6, Subject: "Science", Language: domain.LanguageEnglish}
	if err := local.Put(ctx, store.CollectionBooks, custom.ID, custom); err != nil {
		t.Fatalf("put: %v", err)
	}
	book, source, err := r.Resolve(ctx, 6, "Science", domain.LanguageEnglish)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if book.ID != "teacher-notes" || source != SourceCache {
		t.Fatalf("got %s from %s, want local copy", book.ID, source)
	}
}

func TestConcurrentResolvesStoreOneCopy(t *testing.T) {
	ctx := context.Background()
	r, local := newTestResolver(t)

	var wg sync.WaitGroup
	ids := make([]string, 16)
	for i := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			book, _, err := r.Resolve(ctx, 7, "Math", domain.LanguageEnglish)
			if err != nil {
				t.Errorf("resolve: %v", err)
				return
			}
			ids[i] = book.ID
		}()
	}
	wg.Wait()
	for _, id := range ids {
		if id != ids[0] {
			t.Fatalf("resolves disagree: %v", ids)
		}
	}
	records, _ := local.GetAll(ctx, store.CollectionBooks)
	if len(records) != 1 {
		t.Fatalf("expected one cached book, got %d", len(records))
	}
}

func TestDownloadedAndBook(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestResolver(t)

	if _, err := r.DownloadClass(ctx, 6, domain.LanguageEnglish, 2); err != nil {
		t.Fatalf("download class: %v", err)
	}
	if _, _, err := r.Resolve(ctx, 9, "Computer Science", domain.LanguageEnglish); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if _, _, err := r.Resolve(ctx, 6, "Science", domain.LanguageOdia); err != nil {
		t.Fatalf("resolve odia: %v", err)
	}

	english, err := r.Downloaded(ctx, domain.LanguageEnglish)
	if err != nil {
		t.Fatalf("downloaded: %v", err)
	}
	if len(english) != 2 || english[0].Class != 6 || english[1].Class != 9 {
		t.Fatalf("unexpected english books: %+v", english)
	}
	all, _ := r.Downloaded(ctx, "")
	if len(all) != 3 {
		t.Fatalf("expected 3 downloaded books, got %d", len(all))
	}

	book, err := r.Book(ctx, english[1].ID)
	if err != nil || book.Subject != "Computer Science" {
		t.Fatalf("book lookup: %+v, %v", book, err)
	}
	if _, err := r.Book(ctx, "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestParseCatalog(t *testing.T) {
	catalog, err := ParseCatalog([]byte(`
books:
  - title: Physics
    class: 11
    subject: Physics
    language: English
    chapters:
      - title: Units
        text: Measurement compares a quantity with a standard.
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	book, ok := catalog.Lookup(11, "Physics", domain.LanguageEnglish)
	if !ok {
		t.Fatalf("book not found")
	}
	again, _ := ParseCatalog([]byte("books:\n  - {title: Physics, class: 11, subject: Physics, language: English}\n"))
	other, _ := again.Lookup(11, "Physics", domain.LanguageEnglish)
	if book.ID == "" || book.ID != other.ID {
		t.Fatalf("derived ids must be stable: %q vs %q", book.ID, other.ID)
	}

	bad := []string{
		"books:\n  - {title: X, class: 5, subject: Y, language: English}\n",
		"books:\n  - {class: 6, subject: Y, language: English}\n",
		"books:\n  - {id: a, title: X, class: 6, subject: Y, language: English}\n  - {id: a, title: Z, class: 7, subject: Y, language: English}\n",
		"books: [",
	}
	for _, in := range bad {
		if _, err := ParseCatalog([]byte(in)); err == nil {
			t.Fatalf("expected error for %q", in)
		}
	}
}

func TestLoadCatalogFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	if err := os.WriteFile(path, EmbeddedCatalogYAML(), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	catalog, err := LoadCatalogFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	defaults, _ := DefaultCatalog()
	if len(catalog.Books()) != len(defaults.Books()) {
		t.Fatalf("loaded %d books, want %d", len(catalog.Books()), len(defaults.Books()))
	}
	if _, err := LoadCatalogFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

type memoryObjects struct {
	objects map[string][]byte
}

func (m *memoryObjects) Put(_ context.Context, key string, r io.Reader, _ int64, _ string) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	m.objects[key] = data
	return nil
}

func (m *memoryObjects) Get(_ context.Context, key string) ([]byte, error) {
	data, ok := m.objects[key]
	if !ok {
		return nil, storage.ErrObjectNotFound
	}
	return data, nil
}

func TestLoadCatalogObject(t *testing.T) {
	ctx := context.Background()
	objects := &memoryObjects{objects: map[string][]byte{
		DefaultCatalogKey: []byte("books:\n  - {id: hist-9, title: History, class: 9, subject: Social Science, language: Odia}\n"),
	}}
	catalog, err := LoadCatalogObject(ctx, objects, "")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if book, ok := catalog.Lookup(9, "Social Science", domain.LanguageOdia); !ok || book.ID != "hist-9" {
		t.Fatalf("unexpected lookup: %+v %v", book, ok)
	}
	if _, err := LoadCatalogObject(ctx, objects, "other.yaml"); !errors.Is(err, storage.ErrObjectNotFound) {
		t.Fatalf("expected object not found, got %v", err)
	}
}

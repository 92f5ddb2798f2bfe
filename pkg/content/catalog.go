package content

import (
	"context"
	_ "embed"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"gamedo/pkg/domain"
	"gamedo/pkg/storage"
)

//go:embed catalog.yaml
var embeddedCatalog []byte

// DefaultCatalogKey is the object key the catalog is published under.
const DefaultCatalogKey = "catalog/books.yaml"

type catalogFile struct {
	Books []domain.Book `yaml:"books"`
}

// Catalog is the read-only set of books that can be downloaded.
type Catalog struct {
	books []domain.Book
}

// ParseCatalog decodes a YAML catalog. Books without an id get one derived from
// their selector, so repeated loads agree on it.
func ParseCatalog(data []byte) (*Catalog, error) {
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	seen := make(map[string]struct{}, len(file.Books))
	books := make([]domain.Book, 0, len(file.Books))
	for i, b := range file.Books {
		if strings.TrimSpace(b.Title) == "" {
			return nil, fmt.Errorf("catalog: book %d: title is required", i)
		}
		if b.Class < domain.MinClass || b.Class > domain.MaxClass {
			return nil, fmt.Errorf("catalog: book %q: class %d out of range", b.Title, b.Class)
		}
		if b.Subject == "" || b.Language == "" {
			return nil, fmt.Errorf("catalog: book %q: subject and language are required", b.Title)
		}
		if b.ID == "" {
			b.ID = selectorID(b.Class, b.Subject, b.Language)
		}
		if _, dup := seen[b.ID]; dup {
			return nil, fmt.Errorf("catalog: duplicate book id %q", b.ID)
		}
		seen[b.ID] = struct{}{}
		books = append(books, b)
	}
	return &Catalog{books: books}, nil
}

// DefaultCatalog returns the catalog shipped with the binary.
func DefaultCatalog() (*Catalog, error) {
	return ParseCatalog(embeddedCatalog)
}

// EmbeddedCatalogYAML returns the raw catalog shipped with the binary.
func EmbeddedCatalogYAML() []byte {
	return append([]byte(nil), embeddedCatalog...)
}

// LoadCatalogFile reads a catalog from disk.
func LoadCatalogFile(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	return ParseCatalog(data)
}

// LoadCatalogObject reads a catalog published to object storage.
func LoadCatalogObject(ctx context.Context, objects storage.ObjectStore, key string) (*Catalog, error) {
	if key == "" {
		key = DefaultCatalogKey
	}
	data, err := objects.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("load catalog object: %w", err)
	}
	return ParseCatalog(data)
}

// Lookup finds the book for an exact (class, subject, language) selector.
func (c *Catalog) Lookup(class int, subject string, language domain.Language) (domain.Book, bool) {
	for _, b := range c.books {
		if b.Matches(class, subject, language) {
			return b, true
		}
	}
	return domain.Book{}, false
}

// Books lists the catalog sorted by class, subject and language.
func (c *Catalog) Books() []domain.Book {
	out := append([]domain.Book(nil), c.books...)
	sortBooks(out)
	return out
}

func selectorID(class int, subject string, language domain.Language) string {
	name := fmt.Sprintf("%d/%s/%s", class, subject, language)
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("gamedo:book:"+name)).String()
}

func sortBooks(books []domain.Book) {
	sort.Slice(books, func(i, j int) bool {
		if books[i].Class != books[j].Class {
			return books[i].Class < books[j].Class
		}
		if books[i].Subject != books[j].Subject {
			return books[i].Subject < books[j].Subject
		}
		return books[i].Language < books[j].Language
	})
}

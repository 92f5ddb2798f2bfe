package progress

import (
	"context"
	"math/rand/v2"
	"sort"
	"strings"
	"sync"
	"unicode"

	"gamedo/pkg/domain"
	"gamedo/pkg/store"
)

// Fallbacks are the canned replies used when no downloaded book matches.
var Fallbacks = []string{
	"That's an interesting question — try asking about a specific chapter or topic.",
	"I don't have that exact answer offline; try searching the books after downloading them.",
	"Can you rephrase? I can answer simple questions about the textbook content.",
}

const (
	snippetBefore = 50
	snippetLength = 300
	minWordLength = 4
)

// Responder answers chat questions from the downloaded books only.
type Responder struct {
	local store.Store

	mu   sync.Mutex
	intn func(n int) int
}

// NewResponder uses intn to pick fallbacks; nil means math/rand/v2.
func NewResponder(local store.Store, intn func(n int) int) *Responder {
	if intn == nil {
		intn = rand.IntN
	}
	return &Responder{local: local, intn: intn}
}

// Reply returns a snippet of the first chapter mentioning the query, or a
// canned fallback.
func (r *Responder) Reply(ctx context.Context, query string) (string, error) {
	records, err := r.local.GetAll(ctx, store.CollectionBooks)
	if err != nil {
		return "", err
	}
	books := make([]domain.Book, 0, len(records))
	for _, rec := range records {
		var b domain.Book
		if err := rec.Decode(&b); err != nil {
			return "", err
		}
		books = append(books, b)
	}
	// Store iteration order is unspecified; search in id order for stable replies.
	sort.Slice(books, func(i, j int) bool { return books[i].ID < books[j].ID })
	if reply, ok := FindInBooks(query, books); ok {
		return reply, nil
	}
	r.mu.Lock()
	i := r.intn(len(Fallbacks))
	r.mu.Unlock()
	return Fallbacks[i], nil
}

// FindInBooks searches chapters case-insensitively in the given order.
func FindInBooks(query string, books []domain.Book) (string, bool) {
	q := lowerRunes([]rune(strings.TrimSpace(query)))
	if len(q) == 0 {
		return "", false
	}
	var words [][]rune
	for _, w := range strings.Fields(string(q)) {
		if rw := []rune(w); len(rw) >= minWordLength {
			words = append(words, rw)
		}
	}
	for _, b := range books {
		for _, ch := range b.Chapters {
			text := []rune(ch.Text)
			if len(text) == 0 {
				continue
			}
			lower := lowerRunes(text)
			pos := indexRunes(lower, q)
			for i := 0; pos < 0 && i < len(words); i++ {
				pos = indexRunes(lower, words[i])
			}
			if pos < 0 {
				continue
			}
			return b.Title + " — " + ch.Title + "\n\n" + snippet(text, pos) + "...", true
		}
	}
	return "", false
}

// snippet cuts the window around pos, clamped to the text.
func snippet(text []rune, pos int) string {
	start := max(0, pos-snippetBefore)
	end := min(len(text), start+snippetLength)
	return string(text[start:end])
}

// lowerRunes lowercases rune by rune so positions line up with the original text.
func lowerRunes(text []rune) []rune {
	out := make([]rune, len(text))
	for i, r := range text {
		out[i] = unicode.ToLower(r)
	}
	return out
}

func indexRunes(haystack, needle []rune) int {
	if len(needle) == 0 || len(needle) > len(haystack) {
		return -1
	}
outer:
	for i := 0; i+len(needle) <= len(haystack); i++ {
		for j, r := range needle {
			if haystack[i+j] != r {
				continue outer
			}
		}
		return i
	}
	return -1
}

package gateway

import (
	"fmt"
	"math/rand/v2"
	"regexp"
	"strings"
	"sync"
)

// PasscodeWords is the vocabulary room passcodes are drawn from.
var PasscodeWords = []string{"SUN", "MOON", "STAR", "CLOUD", "RIVER", "MANGO", "OCEAN", "WIND"}

var passcodePattern = regexp.MustCompile(`^[A-Z]+-[A-Z]+-[1-9][0-9]{2}$`)

// PasscodeGenerator produces WORD-WORD-NNN room codes.
type PasscodeGenerator struct {
	mu   sync.Mutex
	intn func(n int) int
}

// NewPasscodeGenerator uses intn as its random source; nil means math/rand/v2.
func NewPasscodeGenerator(intn func(n int) int) *PasscodeGenerator {
	if intn == nil {
		intn = rand.IntN
	}
	return &PasscodeGenerator{intn: intn}
}

// Next returns a fresh passcode. Uniqueness is not checked.
func (p *PasscodeGenerator) Next() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	w1 := PasscodeWords[p.intn(len(PasscodeWords))]
	w2 := PasscodeWords[p.intn(len(PasscodeWords))]
	n := 100 + p.intn(900)
	return fmt.Sprintf("%s-%s-%d", w1, w2, n)
}

// NormalizePasscode trims and upper-cases a typed code and checks its shape.
func NormalizePasscode(code string) (string, bool) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if !passcodePattern.MatchString(code) {
		return "", false
	}
	for _, w := range strings.SplitN(code, "-", 3)[:2] {
		if !isPasscodeWord(w) {
			return "", false
		}
	}
	return code, true
}

func isPasscodeWord(w string) bool {
	for _, known := range PasscodeWords {
		if w == known {
			return true
		}
	}
	return false
}

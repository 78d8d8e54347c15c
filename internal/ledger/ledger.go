// Package ledger holds the per-session word list: tokenizing a source text,
// actor normalization, and assembling the surviving words into a poem.
package ledger

import (
	"encoding/hex"
	"strings"
	"unicode/utf8"

	"golang.org/x/crypto/blake2b"

	"blackout/api/internal/store"
)

const (
	MaxActorIDLength = 64
	AnonymousActor   = "anonymous"
)

// Token is one whitespace-delimited word and its position in the source.
type Token struct {
	Index int
	Text  string
}

// Tokenize splits body on runs of whitespace. Indexes run 0..N-1 in source order.
func Tokenize(body string) []Token {
	fields := strings.Fields(body)
	tokens := make([]Token, len(fields))
	for i, field := range fields {
		tokens[i] = Token{Index: i, Text: field}
	}
	return tokens
}

// Words turns tokens into ledger rows for sessionID; newID supplies row ids.
func Words(sessionID string, tokens []Token, newID func() string) []store.Word {
	words := make([]store.Word, len(tokens))
	for i, token := range tokens {
		words[i] = store.Word{
			ID:        newID(),
			SessionID: sessionID,
			Index:     token.Index,
			Text:      token.Text,
		}
	}
	return words
}

// ContentHash addresses a source body by its BLAKE2b-256 digest.
func ContentHash(body string) string {
	sum := blake2b.Sum256([]byte(body))
	return hex.EncodeToString(sum[:])
}

// NormalizeActor trims an untrusted actor id, caps its length and falls back
// to AnonymousActor.
func NormalizeActor(raw string) string {
	actor := strings.TrimSpace(raw)
	if actor == "" {
		return AnonymousActor
	}
	if utf8.RuneCountInString(actor) > MaxActorIDLength {
		runes := []rune(actor)
		actor = string(runes[:MaxActorIDLength])
	}
	return actor
}

// Assemble joins the surviving words in index order with single spaces.
// words must already be ordered by index.
func Assemble(words []store.Word) string {
	survivors := make([]string, 0, len(words))
	for _, word := range words {
		if word.Hidden {
			continue
		}
		survivors = append(survivors, word.Text)
	}
	return strings.Join(survivors, " ")
}

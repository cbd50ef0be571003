// Package tokenizer normalises text into lexical terms for the BM25 side of
// the hybrid index. The same function is applied to chunks at index time and
// to queries at search time, so the two always agree on term boundaries.
package tokenizer

import (
	"strings"
	"unicode"
)

var stopWords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "are": {}, "as": {}, "at": {},
	"be": {}, "by": {}, "for": {}, "from": {}, "has": {}, "he": {},
	"she": {}, "his": {}, "her": {}, "in": {}, "is": {}, "it": {},
	"its": {}, "of": {}, "on": {}, "or": {}, "that": {}, "the": {},
	"to": {}, "was": {}, "were": {}, "will": {}, "with": {}, "this": {},
	"but": {}, "they": {}, "have": {}, "had": {}, "what": {}, "when": {},
	"where": {}, "who": {}, "which": {}, "their": {}, "if": {}, "each": {},
	"do": {}, "so": {}, "can": {}, "been": {}, "into": {}, "than": {},
	"these": {}, "those": {}, "there": {}, "should": {}, "would": {},
	"could": {}, "patient": {},
}

// "no" and "not" stay indexed: "no known allergies".

// Token is a single normalised term and its position among kept terms.
type Token struct {
	Term     string
	Position int
}

// Tokenize lower-cases text, splits on non-alphanumerics, drops stop-words
// and one-character words, and stems what remains.
func Tokenize(text string) []Token {
	text = strings.ToLower(text)
	words := strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	tokens := make([]Token, 0, len(words)/2)
	pos := 0
	for _, word := range words {
		if len([]rune(word)) < 2 {
			continue
		}
		if _, isStop := stopWords[word]; isStop {
			continue
		}
		stemmed := stem(word)
		if stemmed == "" {
			continue
		}
		tokens = append(tokens, Token{Term: stemmed, Position: pos})
		pos++
	}
	return tokens
}

// Terms returns the term frequencies of text and the total token count.
func Terms(text string) (map[string]int, int) {
	tokens := Tokenize(text)
	freq := make(map[string]int, len(tokens))
	for _, tok := range tokens {
		freq[tok.Term]++
	}
	return freq, len(tokens)
}

// Unique returns the distinct terms of text in first-seen order.
func Unique(text string) []string {
	tokens := Tokenize(text)
	seen := make(map[string]struct{}, len(tokens))
	out := make([]string, 0, len(tokens))
	for _, tok := range tokens {
		if _, ok := seen[tok.Term]; ok {
			continue
		}
		seen[tok.Term] = struct{}{}
		out = append(out, tok.Term)
	}
	return out
}

var suffixes = []struct {
	suffix      string
	replacement string
	minLen      int
}{
	{"ational", "ate", 2},
	{"tional", "tion", 2},
	{"encies", "ence", 2},
	{"izing", "ize", 2},
	{"ating", "ate", 2},
	{"iness", "y", 2},
	{"ously", "ous", 2},
	{"ively", "ive", 2},
	{"tion", "t", 3},
	{"sion", "s", 3},
	{"ying", "y", 2},
	{"ing", "", 3},
	{"ed", "", 3},
	{"ly", "", 3},
}

// stem folds plurals first, then strips the first matching suffix when
// enough of the word remains.
func stem(word string) string {
	word = singular(word)
	for _, rule := range suffixes {
		if strings.HasSuffix(word, rule.suffix) {
			newWord := word[:len(word)-len(rule.suffix)] + rule.replacement
			if len(newWord) >= rule.minLen {
				return newWord
			}
		}
	}
	return word
}

func singular(word string) string {
	switch {
	case len(word) > 4 && strings.HasSuffix(word, "ies"):
		return word[:len(word)-3] + "y"
	case strings.HasSuffix(word, "ss"), strings.HasSuffix(word, "us"), strings.HasSuffix(word, "is"):
		return word
	case len(word) > 3 && strings.HasSuffix(word, "s"):
		return word[:len(word)-1]
	}
	return word
}

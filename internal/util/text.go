package util

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// Span is a piece of a larger text with its byte offsets, so that
// text[Start:End] == Text.
type Span struct {
	Text  string
	Start int
	End   int
}

// Sentences splits text on '.', '!', '?', ';' and newlines, trimming
// surrounding whitespace from each piece. Decimal points ("3.5") do not end
// a sentence. Empty pieces are dropped.
func Sentences(text string) []Span {
	var out []Span
	start := 0
	emit := func(end int) {
		seg := text[start:end]
		lead := len(seg) - len(strings.TrimLeftFunc(seg, unicode.IsSpace))
		trimmed := strings.TrimSpace(seg)
		if trimmed != "" {
			s := start + lead
			out = append(out, Span{Text: trimmed, Start: s, End: s + len(trimmed)})
		}
	}

	for i := 0; i < len(text); {
		r, size := utf8.DecodeRuneInString(text[i:])
		switch r {
		case '.', '!', '?', ';':
			if r == '.' && i > 0 && i+size < len(text) && isDigitByte(text[i-1]) && isDigitByte(text[i+size]) {
				break
			}
			emit(i + size)
			start = i + size
		case '\n':
			emit(i)
			start = i + size
		}
		i += size
	}
	if start < len(text) {
		emit(len(text))
	}
	return out
}

func isDigitByte(b byte) bool { return b >= '0' && b <= '9' }

// Words splits text into lowercase word tokens with their byte offsets.
// A token is a run of letters, digits, '\'' or '.' between digits.
func Words(text string) []Span {
	var out []Span
	start := -1
	flush := func(end int) {
		if start >= 0 {
			out = append(out, Span{Text: strings.ToLower(text[start:end]), Start: start, End: end})
			start = -1
		}
	}
	for i, r := range text {
		inWord := unicode.IsLetter(r) || unicode.IsDigit(r) || r == '\''
		if r == '.' && start >= 0 && i > 0 && isDigitByte(text[i-1]) && i+1 < len(text) && isDigitByte(text[i+1]) {
			inWord = true
		}
		if inWord {
			if start < 0 {
				start = i
			}
			continue
		}
		flush(i)
	}
	flush(len(text))
	return out
}

// stopwords are dropped by ContentTokens. The list is deliberately short and
// keeps negations, which carry meaning for contradiction detection.
var stopwords = map[string]bool{
	"a": true, "an": true, "the": true, "and": true, "or": true, "but": true,
	"of": true, "to": true, "in": true, "on": true, "for": true, "with": true,
	"at": true, "by": true, "from": true, "as": true, "is": true, "are": true,
	"was": true, "were": true, "be": true, "been": true, "it": true, "its": true,
	"this": true, "that": true, "these": true, "those": true, "we": true,
	"i": true, "you": true, "they": true, "he": true, "she": true, "our": true,
	"their": true, "so": true, "if": true, "then": true, "than": true,
	"there": true, "here": true, "which": true, "who": true, "will": true,
	"would": true, "can": true, "could": true, "do": true, "does": true,
	"has": true, "have": true, "had": true, "also": true, "very": true,
}

// IsStopword reports whether w (lowercase) is a filler word.
func IsStopword(w string) bool { return stopwords[w] }

// ContentTokens returns the lowercase non-stopword tokens of text in order.
func ContentTokens(text string) []string {
	words := Words(text)
	out := make([]string, 0, len(words))
	for _, w := range words {
		if !stopwords[w.Text] {
			out = append(out, w.Text)
		}
	}
	return out
}

// TokenSet returns the distinct content tokens of text.
func TokenSet(text string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, t := range ContentTokens(text) {
		set[t] = struct{}{}
	}
	return set
}

// ContainsAnyWord reports whether text contains any of the given words as
// whole tokens, ignoring case. Multi-word keywords match as a substring.
func ContainsAnyWord(text string, words []string) bool {
	if len(words) == 0 {
		return false
	}
	lower := strings.ToLower(text)
	tokens := make(map[string]bool)
	for _, w := range Words(text) {
		tokens[w.Text] = true
	}
	for _, w := range words {
		w = strings.ToLower(strings.TrimSpace(w))
		if w == "" {
			continue
		}
		if strings.ContainsAny(w, " -") {
			if strings.Contains(lower, w) {
				return true
			}
			continue
		}
		if tokens[w] {
			return true
		}
	}
	return false
}

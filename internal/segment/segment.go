// Package segment splits request text into speakable pieces.
//
// Pieces are produced lazily: callers ranging over [Segmenter.Pieces] receive
// the first piece before later sentences are grouped, which lets the pipeline
// start synthesis as early as possible.
package segment

import (
	"iter"
	"regexp"
	"slices"
	"strings"
	"unicode/utf8"

	"github.com/loqalabs/loqa-voice/internal/protocol"
	"golang.org/x/text/unicode/norm"
)

const (
	defaultMinLen = 10
	shortPieceLen = 2
)

var (
	fullStops   = regexp.MustCompile(`[。！？；]`)
	fullCommas  = regexp.MustCompile(`[，]`)
	dblQuotes   = regexp.MustCompile(`[“”]`)
	sglQuotes   = regexp.MustCompile(`[‘’]`)
	dropped     = regexp.MustCompile(`[<>()\[\]"«»]+`)
	whitespace  = regexp.MustCompile(`[\n\t ]+`)
	sentenceEnd = regexp.MustCompile(`[,.!?;]`)
	camelCase   = regexp.MustCompile(`([a-z])([A-Z])`)
)

// Segmenter groups sentences into pieces of at least minLen units (words for
// latin scripts, characters otherwise).
type Segmenter struct {
	minLen int
}

func New() *Segmenter {
	return &Segmenter{minLen: defaultMinLen}
}

// WithMinLen returns a Segmenter using a different grouping threshold.
func WithMinLen(n int) *Segmenter {
	if n <= 0 {
		n = defaultMinLen
	}
	return &Segmenter{minLen: n}
}

// Split collects every piece of text.
func (s *Segmenter) Split(text string, lang protocol.Language) []string {
	return slices.Collect(s.Pieces(text, lang))
}

// Pieces yields the speakable pieces of text in order. Text that holds no
// speakable content yields nothing.
func (s *Segmenter) Pieces(text string, lang protocol.Language) iter.Seq[string] {
	latin := lang.Latin()
	measure := runeCount
	if latin {
		measure = wordCount
	}
	return func(yield func(string) bool) {
		groups := s.groups(normalize(text, latin), measure)
		merged := mergeShort(groups, measure)
		for piece := range merged {
			if latin {
				piece = camelCase.ReplaceAllString(piece, "$1 $2")
			}
			if !yield(piece) {
				return
			}
		}
	}
}

func normalize(text string, latin bool) string {
	text = norm.NFKC.String(text)
	text = fullStops.ReplaceAllString(text, ".")
	text = fullCommas.ReplaceAllString(text, ",")
	if latin {
		text = dblQuotes.ReplaceAllString(text, `"`)
		text = sglQuotes.ReplaceAllString(text, "'")
		text = dropped.ReplaceAllString(text, "")
	}
	return whitespace.ReplaceAllString(text, " ")
}

// sentences yields trimmed, non-empty runs of text each ending at a
// punctuation mark (the last may end without one).
func sentences(text string) iter.Seq[string] {
	return func(yield func(string) bool) {
		start := 0
		for _, loc := range sentenceEnd.FindAllStringIndex(text, -1) {
			if s := strings.TrimSpace(text[start:loc[1]]); s != "" {
				if !yield(s) {
					return
				}
			}
			start = loc[1]
		}
		if s := strings.TrimSpace(text[start:]); s != "" {
			yield(s)
		}
	}
}

// groups joins consecutive sentences until their measured length exceeds
// minLen; whatever remains at the end forms the final group.
func (s *Segmenter) groups(text string, measure func(string) int) iter.Seq[string] {
	return func(yield func(string) bool) {
		var current []string
		count := 0
		for sent := range sentences(text) {
			current = append(current, sent)
			count += measure(sent)
			if count > s.minLen {
				if !yield(strings.Join(current, " ")) {
					return
				}
				current = current[:0]
				count = 0
			}
		}
		if len(current) > 0 {
			yield(strings.Join(current, " "))
		}
	}
}

// mergeShort folds pieces of at most shortPieceLen units into a neighbour:
// a short piece absorbs the one after it, and a short trailing piece is
// appended to the one before. It holds back at most one finished piece.
func mergeShort(in iter.Seq[string], measure func(string) int) iter.Seq[string] {
	return func(yield func(string) bool) {
		var held, pending string
		hasHeld, hasPending := false, false
		for g := range in {
			if hasPending && measure(pending) <= shortPieceLen {
				pending += " " + g
				continue
			}
			if hasHeld && !yield(held) {
				return
			}
			held, hasHeld = pending, hasPending
			pending, hasPending = g, true
		}
		if !hasPending {
			if hasHeld {
				yield(held)
			}
			return
		}
		if hasHeld && measure(pending) <= shortPieceLen {
			yield(held + " " + pending)
			return
		}
		if hasHeld && !yield(held) {
			return
		}
		yield(pending)
	}
}

func wordCount(s string) int { return len(strings.Fields(s)) }

func runeCount(s string) int { return utf8.RuneCountInString(s) }

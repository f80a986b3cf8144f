// Package trigger detects wake phrases in standby transcripts.
//
// Speech recognisers mangle short phrases, so matching is phonetic: a window
// of transcript words matches a phrase when every word shares a Double
// Metaphone code with the corresponding phrase word and the window as a whole
// is Jaro-Winkler similar to the phrase. Exact matches always win.
package trigger

import (
	"strings"
	"unicode"

	"github.com/antzucaro/matchr"
)

// Mode is the top-level application mode.
type Mode string

const (
	ModeStandby  Mode = "STANDBY"
	ModeMechanic Mode = "MECHANIC"
	ModeSceptic  Mode = "SCEPTIC"
	ModeGuardian Mode = "GUARDIAN"
)

// DefaultPhrases switch the application into Guardian mode.
var DefaultPhrases = []string{"i crashed", "help", "jaga"}

const defaultThreshold = 0.85

// Option configures a [Detector].
type Option func(*Detector)

// WithPhrases replaces [DefaultPhrases]. Empty phrases are ignored.
func WithPhrases(phrases ...string) Option {
	return func(d *Detector) {
		d.phrases = nil
		for _, p := range phrases {
			if toks := tokenize(p); len(toks) > 0 {
				d.phrases = append(d.phrases, phrase{text: p, tokens: toks})
			}
		}
	}
}

// WithThreshold sets the minimum Jaro-Winkler score of a phonetic match.
// Default: 0.85.
func WithThreshold(t float64) Option {
	return func(d *Detector) { d.threshold = t }
}

type phrase struct {
	text   string
	tokens []string
}

// Match is a detected wake phrase.
type Match struct {
	// Phrase is the configured phrase that matched.
	Phrase string
	// Heard is the transcript window that matched it.
	Heard string
	// Score is 1 for an exact match, otherwise the Jaro-Winkler score.
	Score float64
}

// Detector finds wake phrases. It is read-only after construction and safe
// for concurrent use.
type Detector struct {
	phrases   []phrase
	threshold float64
}

// New returns a Detector for [DefaultPhrases] unless overridden.
func New(opts ...Option) *Detector {
	d := &Detector{threshold: defaultThreshold}
	WithPhrases(DefaultPhrases...)(d)
	for _, o := range opts {
		o(d)
	}
	return d
}

// Phrases returns the configured phrases.
func (d *Detector) Phrases() []string {
	out := make([]string, len(d.phrases))
	for i, p := range d.phrases {
		out[i] = p.text
	}
	return out
}

// Detect returns the best wake-phrase match in transcript.
func (d *Detector) Detect(transcript string) (Match, bool) {
	words := tokenize(transcript)
	if len(words) == 0 {
		return Match{}, false
	}

	var best Match
	for _, p := range d.phrases {
		k := len(p.tokens)
		for i := 0; i+k <= len(words); i++ {
			window := words[i : i+k]
			score, ok := d.score(window, p.tokens)
			if ok && score > best.Score {
				best = Match{Phrase: p.text, Heard: strings.Join(window, " "), Score: score}
			}
		}
	}
	return best, best.Score > 0
}

func (d *Detector) score(window, target []string) (float64, bool) {
	exact := true
	for i := range window {
		if window[i] != target[i] {
			exact = false
			break
		}
	}
	if exact {
		return 1, true
	}
	for i := range window {
		if !codesOverlap(window[i], target[i]) {
			return 0, false
		}
	}
	s := matchr.JaroWinkler(strings.Join(window, " "), strings.Join(target, " "), false)
	return s, s >= d.threshold
}

func codesOverlap(a, b string) bool {
	ap, as := matchr.DoubleMetaphone(a)
	bp, bs := matchr.DoubleMetaphone(b)
	for _, x := range []string{ap, as} {
		if x == "" {
			continue
		}
		if x == bp || x == bs {
			return true
		}
	}
	return false
}

// tokenize lower-cases s and splits it into words, dropping punctuation.
func tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	})
}

// Package quality implements the heuristic acceptance test for extracted text.
package quality

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/JakeFAU/resilient-extractor/internal/extraction"
)

// Config holds the gate thresholds. Zero values take the defaults.
type Config struct {
	MinLength      int
	MinUniqueChars int
	MinWords       int
	MaxRepetition  float64
	MaxSpamMatches int
}

// DefaultConfig returns the standard thresholds.
func DefaultConfig() Config {
	return Config{
		MinLength:      500,
		MinUniqueChars: 20,
		MinWords:       50,
		MaxRepetition:  0.3,
		MaxSpamMatches: 5,
	}
}

var spamPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)click here`),
	regexp.MustCompile(`(?i)buy now`),
	regexp.MustCompile(`(?i)limited offer`),
	regexp.MustCompile(`(?i)viagra|cialis|lottery|casino`),
}

// Gate evaluates text. It is stateless and safe for concurrent use.
type Gate struct {
	cfg Config
}

// New builds a Gate, filling unset thresholds from DefaultConfig.
func New(cfg Config) *Gate {
	def := DefaultConfig()
	if cfg.MinLength <= 0 {
		cfg.MinLength = def.MinLength
	}
	if cfg.MinUniqueChars <= 0 {
		cfg.MinUniqueChars = def.MinUniqueChars
	}
	if cfg.MinWords <= 0 {
		cfg.MinWords = def.MinWords
	}
	if cfg.MaxRepetition <= 0 {
		cfg.MaxRepetition = def.MaxRepetition
	}
	if cfg.MaxSpamMatches <= 0 {
		cfg.MaxSpamMatches = def.MaxSpamMatches
	}
	return &Gate{cfg: cfg}
}

// Evaluate applies the checks in order and returns the first rejection, or a pass.
// Metrics are filled as far as evaluation got.
func (g *Gate) Evaluate(text string) extraction.QualityVerdict {
	var m extraction.QualityMetrics
	m.Length = utf8.RuneCountInString(text)
	if m.Length < g.cfg.MinLength {
		return reject(m, fmt.Sprintf("too short (%d chars)", m.Length))
	}

	m.UniqueChars = uniqueChars(text)
	if m.UniqueChars < g.cfg.MinUniqueChars {
		return reject(m, fmt.Sprintf("too repetitive (%d unique chars)", m.UniqueChars))
	}

	words := tokenize(text)
	m.WordCount = len(words)
	if m.WordCount < g.cfg.MinWords {
		return reject(m, fmt.Sprintf("too few words (%d)", m.WordCount))
	}

	m.RepetitionRatio = maxFrequency(words)
	if m.RepetitionRatio > g.cfg.MaxRepetition {
		return reject(m, fmt.Sprintf("spam: word repeated %.1f%% of content", m.RepetitionRatio*100))
	}

	for _, pattern := range spamPatterns {
		if n := len(pattern.FindAllStringIndex(text, -1)); n > g.cfg.MaxSpamMatches {
			return reject(m, fmt.Sprintf("spam pattern detected: %q matched %d times", pattern.String()[4:], n))
		}
	}

	return extraction.QualityVerdict{Passed: true, Metrics: m}
}

func reject(m extraction.QualityMetrics, reason string) extraction.QualityVerdict {
	return extraction.QualityVerdict{Passed: false, Reason: reason, Metrics: m}
}

func uniqueChars(text string) int {
	seen := make(map[rune]struct{}, 64)
	for _, r := range text {
		seen[unicode.ToLower(r)] = struct{}{}
	}
	return len(seen)
}

// tokenize splits on whitespace and keeps tokens longer than two characters.
func tokenize(text string) []string {
	fields := strings.Fields(text)
	out := fields[:0]
	for _, f := range fields {
		if utf8.RuneCountInString(f) > 2 {
			out = append(out, f)
		}
	}
	return out
}

func maxFrequency(words []string) float64 {
	if len(words) == 0 {
		return 0
	}
	counts := make(map[string]int, len(words))
	highest := 0
	for _, w := range words {
		key := strings.ToLower(w)
		counts[key]++
		if counts[key] > highest {
			highest = counts[key]
		}
	}
	return float64(highest) / float64(len(words))
}

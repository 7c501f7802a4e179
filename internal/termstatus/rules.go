// Package termstatus infers what the agent is doing from its terminal output.
// The result is advisory and never drives task state.
package termstatus

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// Hint is the verdict of a single rule.
type Hint string

const (
	HintNone     Hint = ""
	HintThinking Hint = "thinking"
	HintTyping   Hint = "typing"
)

const (
	// ThinkingMarker is printed by the agent while it reasons.
	ThinkingMarker = "(thinking)"
	// SpinnerGlyphs are drawn after a carriage return while a tool runs.
	SpinnerGlyphs = "✻✽✶✳✢·*⠋⠙⠹⠸⠼⠴⠦⠧⠇⠏"
	// TypingThreshold is how many printable non-space characters count as
	// the agent writing an answer.
	TypingThreshold = 20
)

// Rule is one entry of the classification table.
type Rule struct {
	Name  string
	Hint  Hint
	Match func(text string) bool
}

// Rules is evaluated in order; the first match wins.
var Rules = []Rule{
	{Name: "thinking-marker", Hint: HintThinking, Match: func(text string) bool {
		return strings.Contains(text, ThinkingMarker)
	}},
	{Name: "spinner", Hint: HintThinking, Match: hasSpinner},
	{Name: "printable-volume", Hint: HintTyping, Match: func(text string) bool {
		return CountPrintable(text) >= TypingThreshold
	}},
}

// Classify applies Rules to ANSI-free text.
func Classify(text string) Hint {
	for _, rule := range Rules {
		if rule.Match(text) {
			return rule.Hint
		}
	}
	return HintNone
}

func hasSpinner(text string) bool {
	for {
		i := strings.IndexByte(text, '\r')
		if i < 0 {
			return false
		}
		text = text[i+1:]
		if r, _ := utf8.DecodeRuneInString(text); r != utf8.RuneError && strings.ContainsRune(SpinnerGlyphs, r) {
			return true
		}
	}
}

// CountPrintable counts printable runes that are not whitespace.
func CountPrintable(text string) int {
	n := 0
	for _, r := range text {
		if unicode.IsPrint(r) && !unicode.IsSpace(r) {
			n++
		}
	}
	return n
}

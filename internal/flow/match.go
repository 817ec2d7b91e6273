package flow

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
)

// fold normalises text for case-insensitive comparison. A Caser keeps state,
// so every call gets its own.
func fold(s string) string {
	return cases.Fold().String(strings.TrimSpace(s))
}

// Matches reports whether an inbound text starts this trigger. inboundCount
// is called only by first_message triggers.
func (c TriggerConfig) Matches(text string, inboundCount func() int64) bool {
	switch c.TriggerType {
	case TriggerAlways:
		return true
	case TriggerFirstMessage:
		return inboundCount() == 1
	case TriggerKeyword:
		keywords := splitList(c.Keywords)
		if len(keywords) == 0 {
			return true
		}
		t := fold(text)
		for _, k := range keywords {
			k = fold(k)
			if c.MatchType == MatchExact {
				if t == k {
					return true
				}
			} else if strings.Contains(t, k) {
				return true
			}
		}
	}
	return false
}

func compare(op, left, right string) bool {
	l, r := fold(left), fold(right)
	switch op {
	case OpEquals:
		return l == r
	case OpNotEquals:
		return l != r
	case OpContains:
		return strings.Contains(l, r)
	case OpStartsWith:
		return strings.HasPrefix(l, r)
	case OpEndsWith:
		return strings.HasSuffix(l, r)
	}
	return false
}

// evaluateTags applies op to a contact's tag set. not_equals holds when no
// tag equals the value; every other operator holds when any tag satisfies it.
func evaluateTags(op string, tags []string, value string) bool {
	if op == OpNotEquals {
		for _, t := range tags {
			if compare(OpEquals, t, value) {
				return false
			}
		}
		return true
	}
	for _, t := range tags {
		if compare(op, t, value) {
			return true
		}
	}
	return false
}

// containsPhrase matches whole words so "oi" does not fire on "depois".
func containsPhrase(text, phrase string) bool {
	norm := strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return r
		}
		return ' '
	}, fold(text))
	return strings.Contains(" "+strings.Join(strings.Fields(norm), " ")+" ", " "+fold(phrase)+" ")
}

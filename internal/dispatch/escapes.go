package dispatch

import (
	"fmt"
	"math/rand"
	"strings"
)

// applyEscapes expands the alias substitution escapes of spec.md §4.3 in
// the fixed order documented in spec.md §9 (%R, %q, %u, %n-flag,
// %m-wrap), resolving the `%q`/`%u`/`%m` interaction ambiguity left open
// by the original source. Returns the final text and whether it should
// be delivered as a NOTICE (the %n flag).
func applyEscapes(replacement, prefix, queryText string, rng *rand.Rand) (text string, isNotice bool) {
	text = replacement

	text = strings.ReplaceAll(text, "%R", fmt.Sprintf("%d", rng.Intn(101)))
	text = strings.ReplaceAll(text, "%q", queryText)

	nick := prefix
	if i := strings.IndexByte(nick, '!'); i != -1 {
		nick = nick[:i]
	}
	text = strings.ReplaceAll(text, "%u", nick)

	if strings.Contains(text, "%n") {
		isNotice = true
		text = strings.ReplaceAll(text, "%n", "")
	}

	if strings.Contains(text, "%m") {
		text = strings.ReplaceAll(text, "%m", "")
		text = "\x01ACTION " + strings.TrimSpace(text) + "\x01"
	}

	return text, isNotice
}

// ApplyBusEscapes expands the %R/%m escapes spec.md §4.7 requires of a
// `to/irc/<chan>/privmsg` payload. Unlike applyEscapes this has no
// invoking user or query text to draw on — a bus-originated message has
// neither — so only the %R (random number) and %m (CTCP ACTION wrap)
// substitutions apply; %q/%u/%n stay reserved for alias expansion.
func ApplyBusEscapes(text string, rng *rand.Rand) string {
	text = strings.ReplaceAll(text, "%R", fmt.Sprintf("%d", rng.Intn(101)))

	if strings.Contains(text, "%m") {
		text = strings.ReplaceAll(text, " %m ", " ")
		text = strings.ReplaceAll(text, "%m", "")
		text = "\x01ACTION " + strings.TrimSpace(text) + "\x01"
	}

	return text
}

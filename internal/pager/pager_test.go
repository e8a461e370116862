package pager

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSendShortMessagePassesThrough(t *testing.T) {
	var got []string
	p := New(func(ch, text string) { got = append(got, text) }, func(ch, text string) {})

	p.Send(KindMessage, "#c", "hello")
	require.Len(t, got, 1)
	assert.Equal(t, "hello", got[0])
	assert.False(t, p.HasMore(KindMessage, "#c"))
}

func TestLongReplyChunksAndMore(t *testing.T) {
	var emitted []string
	send := func(ch, text string) { emitted = append(emitted, text) }
	p := New(send, func(ch, text string) {})

	// S6: a 1500-char reply on channel #c.
	text := strings.Repeat("a", 449) + " " + strings.Repeat("b", 1050)
	require.Len(t, text, 1500)

	p.Send(KindMessage, "#c", text)
	require.Len(t, emitted, 1)
	assert.LessOrEqual(t, len(emitted[0]), 475)
	assert.True(t, p.HasMore(KindMessage, "#c"))

	var reassembled strings.Builder
	reassembled.WriteString(stripMoreSuffix(emitted[0]))

	for p.HasMore(KindMessage, "#c") {
		p.More("#c")
		reassembled.WriteString(stripMoreSuffix(emitted[len(emitted)-1]))
	}
	// reconstructing drops only the whitespace trimmed at chunk
	// boundaries; the non-space content must be fully preserved and in
	// order (property 7 of spec.md §8).
	assert.Equal(t, strings.ReplaceAll(text, " ", ""), strings.ReplaceAll(reassembled.String(), " ", ""))

	// a further `~more` once the buffer is drained reports "no more".
	p.More("#c")
	assert.Equal(t, "No more more", emitted[len(emitted)-1])
}

func TestMoreOnEmptyBuffers(t *testing.T) {
	var got []string
	p := New(func(ch, text string) { got = append(got, text) }, func(ch, text string) {})
	p.More("#c")
	require.Len(t, got, 1)
	assert.Equal(t, "No more more (baby don't hurt me)", got[0])
}

func TestNoticePrecedesMessage(t *testing.T) {
	var kind string
	sendMsg := func(ch, text string) { kind = "msg" }
	sendNotice := func(ch, text string) { kind = "notice" }
	p := New(sendMsg, sendNotice)

	p.Send(KindNotice, "#c", strings.Repeat("x", 900))
	p.Send(KindMessage, "#c", strings.Repeat("y", 900))

	p.More("#c")
	assert.Equal(t, "notice", kind)
}

func stripMoreSuffix(s string) string {
	if idx := strings.Index(s, " \x034("); idx != -1 {
		return s[:idx]
	}
	return s
}

// Package pager implements the "more" continuation mechanism for IRC
// replies that exceed the line budget (spec.md §4.4), adapted from the
// original `more` class in ircbot.py: one buffer per channel per output
// kind (PRIVMSG vs NOTICE), emitting chunks on demand.
package pager

import (
	"fmt"
	"math"
	"strings"
	"sync"
)

// Limit is the chunk size boundary described in spec.md §4.4.
const Limit = 450

// slack bounds how far past Limit the chunker will look for a
// whitespace break before falling back to a hard cut.
const slack = 25

// Kind distinguishes the two independent buffers kept per channel.
type Kind int

const (
	KindMessage Kind = iota
	KindNotice
)

// Sender emits one already-chunked line to a destination channel.
type Sender func(channel, text string)

// Pager holds the per-channel, per-kind continuation buffers and the
// senders used to actually emit a chunk.
type Pager struct {
	mu      sync.Mutex
	buffers map[Kind]map[string]string

	sendMessage Sender
	sendNotice  Sender
}

// New creates a Pager. sendMessage/sendNotice are invoked with the
// already-limited chunk text (including the "(N more)" suffix) to
// deliver to IRC.
func New(sendMessage, sendNotice Sender) *Pager {
	return &Pager{
		buffers: map[Kind]map[string]string{
			KindMessage: {},
			KindNotice:  {},
		},
		sendMessage: sendMessage,
		sendNotice:  sendNotice,
	}
}

func (p *Pager) sender(k Kind) Sender {
	if k == KindNotice {
		return p.sendNotice
	}
	return p.sendMessage
}

// HasMore reports whether channel has a pending continuation of kind k.
func (p *Pager) HasMore(k Kind, channel string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.buffers[k][channel] != ""
}

// Send delivers text to channel, splitting it into Limit-sized chunks
// and buffering the remainder for subsequent `~more` calls.
func (p *Pager) Send(k Kind, channel, text string) {
	if len(text) <= Limit {
		p.mu.Lock()
		p.buffers[k][channel] = ""
		p.mu.Unlock()
		p.sender(k)(channel, text)
		return
	}

	p.mu.Lock()
	p.buffers[k][channel] = text
	p.mu.Unlock()

	p.sendMore(k, channel, false)
}

// More sends the next chunk from whichever buffer is non-empty, with
// NOTICE precedence over PRIVMSG, matching spec.md §4.4. If both are
// empty it sends the fixed "no more" reply on the PRIVMSG buffer.
func (p *Pager) More(channel string) {
	if p.HasMore(KindNotice, channel) {
		p.sendMore(KindNotice, channel, true)
		return
	}
	if p.HasMore(KindMessage, channel) {
		p.sendMore(KindMessage, channel, true)
		return
	}
	p.sendMessage(channel, "No more more (baby don't hurt me)")
}

// sendMore emits the next chunk of the buffer for (k, channel). When
// calledFromFresh is false this is the first chunk of a just-buffered
// long message; the emitted text is identical either way.
func (p *Pager) sendMore(k Kind, channel string, calledFromFresh bool) {
	p.mu.Lock()
	buf := p.buffers[k][channel]
	if buf == "" {
		p.mu.Unlock()
		p.sender(k)(channel, "No more more")
		return
	}

	space := indexSpaceInRange(buf, Limit, Limit+slack)
	if space == -1 {
		space = Limit - slack
		if space > len(buf) {
			space = len(buf)
		}
	}
	if space > len(buf) {
		space = len(buf)
	}

	chunk := strings.TrimSpace(buf[:space])

	var remainder string
	if len(buf) > space {
		remainder = strings.TrimSpace(buf[space:])
	}
	p.buffers[k][channel] = remainder
	p.mu.Unlock()

	n := int(math.Ceil(float64(len(remainder)) / float64(Limit)))
	if n > 0 {
		chunk = fmt.Sprintf("%s \x034(%d more)", chunk, n)
	}

	p.sender(k)(channel, chunk)
}

// indexSpaceInRange finds the last space at or after `from` and before
// `to` (exclusive), per spec.md §4.4 ("find the last space in
// [450, 450+limit_slack]"). Returns -1 if none is found.
func indexSpaceInRange(s string, from, to int) int {
	if to > len(s) {
		to = len(s)
	}
	if from >= to {
		return -1
	}
	idx := strings.LastIndexByte(s[from:to], ' ')
	if idx == -1 {
		return -1
	}
	return from + idx
}

// Package dispatch implements the command pipeline of spec.md §4.3: alias
// expansion, ACL evaluation, and internal-vs-bus routing for PRIVMSG text
// that starts with the configured command prefix. It is grounded on
// ghbot.py's `_recv_msg_cb`/`invoke_internal_commands`/`check_aliasses`
// trio and ircbot.py's PRIVMSG handling in `handle_irc_commands`.
package dispatch

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"

	"github.com/chanbridge/bridge/internal/aclstore"
	"github.com/chanbridge/bridge/internal/pager"
	"github.com/chanbridge/bridge/internal/ratelimit"
	"github.com/chanbridge/bridge/internal/registry"
	"github.com/sirupsen/logrus"
)

// Outcome mirrors the original's internal_command_rc enum.
type Outcome int

const (
	Handled Outcome = iota
	Error
	NotInternal
)

// maxAliasIterations bounds alias/define expansion (spec.md §4.3, §8
// property 5).
const maxAliasIterations = 8

// floodCapacity/floodRefillPerSecond bound how often one identity may
// invoke a command, per spec.md §1's in-scope "simple token bucket
// utility". Exceeding it is a silent drop rather than an error reply,
// matching a flood filter rather than an ACL denial.
const (
	floodCapacity        = 5
	floodRefillPerSecond = 1
)

// Users is the narrow view dispatch needs of the session's identity
// table, kept as an interface so dispatch can be tested without a real
// IRC connection.
type Users interface {
	Lookup(nick string) (identity string, known bool)
	InvokeWhoAndWait(nick string) (identity string, known bool)
}

// Bus is the narrow publish surface dispatch needs of the bus bridge.
type Bus interface {
	PublishEvent(channel, botPrefix, event, payload string) error
}

// nextEntry is one queued continuation added through QueueNext,
// consumed by the `next` built-in.
type nextEntry struct {
	isNotice bool
	text     string
}

// CommandFunc implements one built-in command. d.Args is the
// space-split command line including the command word itself (d.Args[0]).
type CommandFunc func(ctx context.Context, d *Invocation) Outcome

// Invocation carries everything a built-in command handler needs about
// one dispatched message.
type Invocation struct {
	Prefix  string // full nick!user@host of the sender
	Channel string // response channel: e.g. "#general", or the sender's nick for a direct message
	Args    []string
	RawText string // full text after the command prefix
}

// Nick returns the bare nick of the invoking identity.
func (iv *Invocation) Nick() string {
	if i := strings.IndexByte(iv.Prefix, '!'); i != -1 {
		return iv.Prefix[:i]
	}
	return iv.Prefix
}

// Pipeline wires together the registry, ACL store, pager, and bus needed
// to run the dispatch pipeline for one IRC session.
type Pipeline struct {
	Prefix  byte
	BotNick string

	ACLs     *aclstore.Store
	Registry *registry.Registry
	Pager    *pager.Pager
	Users    Users
	Bus      Bus
	Log      *logrus.Entry

	builtins map[string]CommandFunc

	mu   sync.Mutex
	next map[string][]nextEntry

	floodMu  sync.Mutex
	floodMap map[string]*ratelimit.Bucket

	rand *rand.Rand
}

// New builds a Pipeline and installs the built-in command table and
// their registry entries, matching ghbot.py's __init__ registration
// block.
func New(prefix byte, botNick string, acls *aclstore.Store, reg *registry.Registry, pg *pager.Pager, users Users, bus Bus, log *logrus.Entry) *Pipeline {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	p := &Pipeline{
		Prefix:   prefix,
		BotNick:  botNick,
		ACLs:     acls,
		Registry: reg,
		Pager:    pg,
		Users:    users,
		Bus:      bus,
		Log:      log,
		next:     make(map[string][]nextEntry),
		floodMap: make(map[string]*ratelimit.Bucket),
		rand:     rand.New(rand.NewSource(1)),
	}
	p.installBuiltins()
	return p
}

// responseChannel implements spec.md §4.3's response-channel rule: a
// direct message (channel == bot's own nick) replies to the sender's
// bare nick, otherwise it replies to the channel itself.
func (p *Pipeline) responseChannel(channel, prefix string) string {
	if channel != p.BotNick {
		return channel
	}
	if i := strings.IndexByte(prefix, '!'); i != -1 {
		return prefix[:i]
	}
	return prefix
}

// sendOK/sendError pick PRIVMSG-vs-NOTICE the way ircbot.py's
// send_ok/send_error/send_error_notice do, routed through the pager so
// long replies still chunk.
func (p *Pipeline) sendOK(channel, text string) {
	p.Pager.Send(pager.KindMessage, channel, text)
}

func (p *Pipeline) sendNotice(channel, text string) {
	p.Pager.Send(pager.KindNotice, channel, text)
}

func (p *Pipeline) sendError(channel, text string) {
	p.Pager.Send(pager.KindMessage, channel, fmt.Sprintf("\x034ERROR: \x02%s", text))
}

func (p *Pipeline) sendErrorNotice(channel, text string) {
	p.Pager.Send(pager.KindNotice, channel, fmt.Sprintf("\x034ERROR: \x02%s", text))
}

// allowFlood reports whether prefix may invoke another command right
// now, consuming one token from its per-identity bucket. Each identity
// gets its own bucket lazily, capacity floodCapacity refilled at
// floodRefillPerSecond tokens/second.
func (p *Pipeline) allowFlood(prefix string) bool {
	p.floodMu.Lock()
	b, ok := p.floodMap[prefix]
	if !ok {
		b = ratelimit.NewBucket(floodCapacity, floodRefillPerSecond)
		p.floodMap[prefix] = b
	}
	p.floodMu.Unlock()
	return b.Allow(1)
}

// HandlePrivMsg runs the full pipeline for one PRIVMSG whose text starts
// with the configured command prefix. channel is the raw IRC target
// (e.g. "#general" or the bot's own nick for a DM); prefix is the
// sender's full nick!user@host.
func (p *Pipeline) HandlePrivMsg(ctx context.Context, channel, prefix, text string) {
	if len(text) == 0 || text[0] != p.Prefix {
		return
	}
	if !p.allowFlood(prefix) {
		p.Log.WithField("who", prefix).Debug("dispatch: command dropped, flood bucket empty")
		return
	}

	// respCh resolves once, up front: every user-facing reply this
	// invocation produces (aliases, next-queue, built-ins, errors) goes
	// there, fixing a latent bug in the original where a DM's internal
	// command replies were sent back to the bot's own nick instead of
	// the sender (see DESIGN.md).
	respCh := p.responseChannel(channel, prefix)

	body := text[1:]
	if body == "next" || strings.HasPrefix(body, "next ") {
		p.drainNext(respCh, strings.Contains(body, "-a"))
		return
	}

	p.mu.Lock()
	p.next[respCh] = nil
	p.mu.Unlock()

	for i := 0; i < maxAliasIterations; i++ {
		cmdWord, queryText := splitCommandAndQuery(body, prefix)
		alias, found, err := p.ACLs.LookupAlias(ctx, cmdWord)
		if err != nil {
			p.Log.WithError(err).Warn("dispatch: alias lookup failed")
			break
		}
		if !found {
			break
		}
		if !alias.IsCommand {
			final, isNotice := applyEscapes(alias.ReplacementText, prefix, queryText, p.rand)
			if isNotice {
				p.sendNotice(respCh, final)
			} else {
				p.sendOK(respCh, final)
			}
			return
		}
		body = alias.ReplacementText + " " + queryText
	}

	parts := strings.Fields(body)
	if len(parts) == 0 {
		return
	}
	command := strings.ToLower(parts[0])

	entry, known := p.Registry.Lookup(command)
	if !known {
		p.handleUnknownCommand(ctx, channel, respCh, prefix, command, body)
		return
	}

	group := entry.RequiredGroup
	allowed := true
	if group != "" {
		var err error
		allowed, err = p.ACLs.Check(ctx, prefix, command, group)
		if err != nil {
			p.Log.WithError(err).Warn("dispatch: acl check failed")
			allowed = false
		}
	}

	if !allowed {
		p.sendError(respCh, fmt.Sprintf("Command %q denied for user %q, one must be in %s", command, prefix, group))
		return
	}

	iv := &Invocation{Prefix: prefix, Channel: respCh, Args: parts, RawText: body}

	rc := Error
	if fn, ok := p.builtins[command]; ok {
		rc = fn(ctx, iv)
	} else {
		rc = NotInternal
	}

	switch rc {
	case Handled, Error:
		return
	case NotInternal:
		p.publishExternal(channel, prefix, command, string(p.Prefix)+body)
	default:
		p.sendError(respCh, "dispatch: unexpected return code from internal commands handler")
	}
}

// publishExternal republishes a not-internal command onto the bus.
// payload is the full original message text, prefix character included,
// matching the original's `self.mqtt.publish(..., text)` call.
func (p *Pipeline) publishExternal(channel, prefix, command, payload string) {
	if p.Bus == nil {
		return
	}
	if channel == p.BotNick {
		person := prefix
		if i := strings.IndexByte(person, '!'); i != -1 {
			person = person[:i]
		}
		if err := p.Bus.PublishEvent(`\`+person, prefix, command, payload); err != nil {
			p.Log.WithError(err).Warn("dispatch: publish failed")
		}
		return
	}
	chanName := strings.TrimPrefix(channel, "#")
	if err := p.Bus.PublishEvent(chanName, prefix, command, payload); err != nil {
		p.Log.WithError(err).Warn("dispatch: publish failed")
	}
}

// handleUnknownCommand implements spec.md §4.3 step 4. rawChannel is the
// original PRIVMSG target (used only to pick NOTICE-vs-PRIVMSG for the
// error reply, per ircbot.py's channel-vs-DM distinction); respCh is
// where every reply actually goes.
func (p *Pipeline) handleUnknownCommand(ctx context.Context, rawChannel, respCh, prefix, command, body string) {
	nick := prefix
	if i := strings.IndexByte(nick, '!'); i != -1 {
		nick = nick[:i]
	}

	useNotice := rawChannel != p.BotNick
	reply := func(text string) {
		if useNotice {
			p.sendErrorNotice(respCh, text)
		} else {
			p.sendError(respCh, text)
		}
	}

	if age, gone := p.Registry.GoneSince(command); gone {
		reply(fmt.Sprintf("%s: command %q is unresponsive for %.2f seconds", nick, command, age.Seconds()))
		return
	}

	alias, found, err := p.ACLs.LookupAlias(ctx, command)
	if err != nil {
		p.Log.WithError(err).Warn("dispatch: alias fallback lookup failed")
	}
	if found {
		_, queryText := splitCommandAndQuery(body, prefix)
		final, isNotice := applyEscapes(alias.ReplacementText, prefix, queryText, p.rand)
		if isNotice {
			p.sendNotice(respCh, final)
		} else {
			p.sendOK(respCh, final)
		}
		return
	}

	suggestions := p.similarTo(command)
	if len(suggestions) == 0 {
		reply(fmt.Sprintf("%s: command %q is not known", nick, command))
		return
	}
	reply(fmt.Sprintf("%s: command %q is not known (maybe %s?)", nick, command, strings.Join(suggestions, " or ")))
}

func (p *Pipeline) drainNext(channel string, all bool) {
	p.mu.Lock()
	entries := p.next[channel]
	p.mu.Unlock()

	if len(entries) == 0 {
		p.sendOK(channel, `No more "next" queued.`)
		return
	}

	if !all {
		head := entries[0]
		p.mu.Lock()
		p.next[channel] = entries[1:]
		p.mu.Unlock()
		if head.isNotice {
			p.sendNotice(channel, head.text)
		} else {
			p.sendOK(channel, head.text)
		}
		return
	}

	var b strings.Builder
	i := 0
	for i < len(entries) && b.Len() < pager.Limit {
		if b.Len() > 0 {
			b.WriteString(" / ")
		}
		b.WriteString(entries[i].text)
		i++
	}
	p.mu.Lock()
	p.next[channel] = entries[i:]
	p.mu.Unlock()
	p.sendNotice(channel, b.String())
}

// splitCommandAndQuery mirrors check_aliasses: the command word is the
// first space-separated token; the query text is whatever follows the
// first space, or the invoker's bare nick if there is no remainder.
func splitCommandAndQuery(body, prefix string) (command, query string) {
	if idx := strings.IndexByte(body, ' '); idx != -1 {
		return strings.ToLower(body[:idx]), body[idx+1:]
	}
	nick := prefix
	if i := strings.IndexByte(nick, '!'); i != -1 {
		nick = nick[:i]
	}
	return strings.ToLower(body), nick
}

// similarTo reports hardcoded/registered command names that are a close
// edit-distance match to wrong — spec.md §4.3 step 4's "maybe X or Y?"
// suggestion. The original left `similar_to` unimplemented
// (`assert False`); this is new code grounded on the same call site.
func (p *Pipeline) similarTo(wrong string) []string {
	var out []string
	for _, name := range p.Registry.List() {
		if name == wrong {
			continue
		}
		if levenshtein(wrong, name) <= 2 {
			out = append(out, name)
		}
		if len(out) >= 3 {
			break
		}
	}
	return out
}

func levenshtein(a, b string) int {
	la, lb := len(a), len(b)
	if la == 0 {
		return lb
	}
	if lb == 0 {
		return la
	}
	prev := make([]int, lb+1)
	cur := make([]int, lb+1)
	for j := 0; j <= lb; j++ {
		prev[j] = j
	}
	for i := 1; i <= la; i++ {
		cur[0] = i
		for j := 1; j <= lb; j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			del := prev[j] + 1
			ins := cur[j-1] + 1
			sub := prev[j-1] + cost
			m := del
			if ins < m {
				m = ins
			}
			if sub < m {
				m = sub
			}
			cur[j] = m
		}
		prev, cur = cur, prev
	}
	return prev[lb]
}

// QueueNext appends a continuation entry for channel, to be drained by
// the `next` built-in. Nothing in the pipeline itself calls it: the
// unknown-command define fallback sends one randomly chosen match and
// queues no further matches.
func (p *Pipeline) QueueNext(channel, text string, isNotice bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.next[channel] = append(p.next[channel], nextEntry{isNotice: isNotice, text: text})
}

package session

import (
	"context"
	"fmt"
	"strings"

	"github.com/chanbridge/bridge/internal/ircline"
)

// handleLine routes one parsed inbound line to the appropriate state
// machine / table-maintenance logic of spec.md §4.2.
func (s *Session) handleLine(line ircline.Line) {
	switch line.Command {
	case "PING":
		s.handlePing(line)
	case "001":
		s.handle001()
	case "352":
		s.handle352(line)
	case "315":
		s.handle315(line)
	case "353":
		s.handle353(line)
	case "331", "332":
		s.handleTopicNumeric(line)
	case "JOIN":
		s.handleJoin(line)
	case "PART":
		s.handlePart(line)
	case "QUIT":
		s.handleQuit(line)
	case "KICK":
		s.handleKick(line)
	case "NICK":
		s.handleNick(line)
	case "INVITE":
		s.handleInvite(line)
	case "PRIVMSG":
		s.handlePrivmsg(line)
	case "NOTICE", "TOPIC":
		s.publishObserved(line)
	default:
		s.publishObserved(line)
	}
}

func (s *Session) handlePing(line ircline.Line) {
	arg := ""
	if len(line.Args) > 0 {
		arg = line.Args[0]
	}
	s.send("PONG :" + arg)
}

// handle001 advances UserWait -> ConnectedJoin -> ConnectedWait, sending
// JOIN for every configured channel, per spec.md §4.2's table.
func (s *Session) handle001() {
	if s.State() != StateUserWait {
		return
	}
	s.setState(StateConnectedJoin)
	for _, ch := range s.cfg.Channels {
		s.send("JOIN #" + ch)
	}
	s.setState(StateConnectedWait)
}

// lowerNick normalizes a users-table key per spec.md §3's invariant.
func lowerNick(nick string) string {
	return strings.ToLower(nick)
}

func (s *Session) setUser(nick, identity string) {
	s.usersMu.Lock()
	s.users[lowerNick(nick)] = identity
	s.usersMu.Unlock()
}

func (s *Session) deleteUser(nick string) {
	s.usersMu.Lock()
	delete(s.users, lowerNick(nick))
	s.usersMu.Unlock()
}

// Lookup implements dispatch.Users: a known nick resolves to its
// identity unless it is still the "?" sentinel.
func (s *Session) Lookup(nick string) (identity string, known bool) {
	s.usersMu.Lock()
	v, ok := s.users[lowerNick(nick)]
	s.usersMu.Unlock()
	if !ok || v == "?" {
		return "", false
	}
	return v, true
}

// InvokeWhoAndWait implements dispatch.Users: issue a WHO for nick and
// block up to 5s for the 352/315 reply, per spec.md §4.2/§4.5.
func (s *Session) InvokeWhoAndWait(nick string) (identity string, known bool) {
	key := lowerNick(nick)
	reqID := s.who.register(key)
	s.Log.WithField("req", reqID).WithField("nick", nick).Debug("session: WHO issued, waiting for reply")
	s.send("WHO " + nick)
	return s.who.wait(key)
}

// handle352 records a WHO reply: args[5] is the nick, args[2] the user,
// args[3] the host, per spec.md §4.2.
func (s *Session) handle352(line ircline.Line) {
	if len(line.Args) < 6 {
		return
	}
	nick := line.Args[5]
	user := line.Args[2]
	host := line.Args[3]
	identity := fmt.Sprintf("%s!%s@%s", nick, user, host)
	s.setUser(nick, identity)
	s.who.resolve(lowerNick(nick), identity)
}

// handle315 is end-of-WHO: wake any waiter for the queried nick (args[1]
// on a WHO reply end is the mask/nick originally queried).
func (s *Session) handle315(line ircline.Line) {
	if len(line.Args) < 2 {
		return
	}
	s.who.endOfWho(lowerNick(line.Args[1]))
}

// handle353 seeds the users table with the NAMES-sentinel for every
// listed nick, per spec.md §3.
func (s *Session) handle353(line ircline.Line) {
	if len(line.Args) == 0 {
		return
	}
	names := strings.Fields(line.Args[len(line.Args)-1])
	for _, n := range names {
		n = strings.TrimLeft(n, "@+%~&")
		if n == "" {
			continue
		}
		key := lowerNick(n)
		s.usersMu.Lock()
		if _, exists := s.users[key]; !exists {
			s.users[key] = "?"
		}
		s.usersMu.Unlock()
	}
}

func (s *Session) handleTopicNumeric(line ircline.Line) {
	if len(line.Args) < 3 {
		return
	}
	channel := strings.TrimPrefix(line.Args[1], "#")
	topic := line.Args[len(line.Args)-1]
	s.topicsMu.Lock()
	s.topics[channel] = topic
	s.topicsMu.Unlock()
}

// markJoined records channel as joined and reports whether every
// configured channel is now joined.
func (s *Session) markJoined(channel string) (allJoined bool) {
	channel = strings.TrimPrefix(channel, "#")
	s.joinedMu.Lock()
	s.joined[channel] = true
	all := true
	for _, ch := range s.cfg.Channels {
		if !s.joined[ch] {
			all = false
			break
		}
	}
	s.joinedMu.Unlock()
	return all
}

func (s *Session) handleJoin(line ircline.Line) {
	if line.Prefix == "" || len(line.Args) == 0 {
		return
	}
	nick := nickFromPrefix(line.Prefix)
	s.setUser(nick, line.Prefix)

	if lowerNick(nick) == lowerNick(s.cfg.Nick) {
		if s.markJoined(line.Args[0]) && s.State() == StateConnectedWait {
			s.setState(StateRunning)
		}
	}

	if s.Bus != nil {
		ch := strings.TrimPrefix(line.Args[0], "#")
		if err := s.Bus.PublishEvent(ch, string(s.cfg.Prefix), "JOIN", line.Prefix); err != nil {
			s.Log.WithError(err).Debug("session: publish JOIN failed")
		}
	}
}

func (s *Session) handlePart(line ircline.Line) {
	if line.Prefix == "" {
		return
	}
	nick := nickFromPrefix(line.Prefix)
	s.deleteUser(nick)
	if s.Bus != nil && len(line.Args) > 0 {
		ch := strings.TrimPrefix(line.Args[0], "#")
		if err := s.Bus.PublishEvent(ch, string(s.cfg.Prefix), "PART", line.Prefix); err != nil {
			s.Log.WithError(err).Debug("session: publish PART failed")
		}
	}
}

func (s *Session) handleQuit(line ircline.Line) {
	if line.Prefix == "" {
		return
	}
	nick := nickFromPrefix(line.Prefix)
	s.deleteUser(nick)
	if s.Bus != nil {
		payload := ""
		if len(line.Args) > 0 {
			payload = line.Args[len(line.Args)-1]
		}
		if err := s.Bus.PublishEvent("", string(s.cfg.Prefix), "QUIT", payload); err != nil {
			s.Log.WithError(err).Debug("session: publish QUIT failed")
		}
	}
}

// handleKick removes args[1] (the kicked nick), per spec.md §4.2.
func (s *Session) handleKick(line ircline.Line) {
	if len(line.Args) < 2 {
		return
	}
	s.deleteUser(line.Args[1])
	if s.Bus != nil {
		ch := strings.TrimPrefix(line.Args[0], "#")
		if err := s.Bus.PublishEvent(ch, string(s.cfg.Prefix), "KICK", line.Args[1]); err != nil {
			s.Log.WithError(err).Debug("session: publish KICK failed")
		}
	}
}

// handleNick renames a users-table key, preserving the "!user@host"
// tail. The original source had a revision where, after `del
// self.users[user]`, the variable `user` was left unbound for the rest
// of the handler; this implementation derives oldNick once up front and
// never rebinds it, per spec.md §9's called-out bug.
func (s *Session) handleNick(line ircline.Line) {
	if line.Prefix == "" || len(line.Args) == 0 {
		return
	}
	oldNick := nickFromPrefix(line.Prefix)
	newNick := line.Args[0]

	s.usersMu.Lock()
	oldKey := lowerNick(oldNick)
	identity, existed := s.users[oldKey]
	delete(s.users, oldKey)
	if !existed {
		identity = "?"
	} else if identity != "?" {
		if i := strings.IndexByte(identity, '!'); i != -1 {
			identity = newNick + identity[i:]
		}
	}
	s.users[lowerNick(newNick)] = identity
	s.usersMu.Unlock()

	if lowerNick(oldNick) == lowerNick(s.cfg.Nick) {
		s.cfg.Nick = newNick
	}

	if s.Bus != nil {
		if err := s.Bus.PublishEvent("", string(s.cfg.Prefix), "NICK", oldNick+" -> "+newNick); err != nil {
			s.Log.WithError(err).Debug("session: publish NICK failed")
		}
	}
}

// handleInvite re-joins the configured channels while Running, per
// spec.md §4.2's "recv INVITE -> Running: re-JOIN configured channels".
func (s *Session) handleInvite(line ircline.Line) {
	if s.State() != StateRunning {
		return
	}
	for _, ch := range s.cfg.Channels {
		s.send("JOIN #" + ch)
	}
}

func (s *Session) handlePrivmsg(line ircline.Line) {
	if line.Prefix == "" || len(line.Args) < 2 {
		return
	}
	channel := line.Args[0]
	text := line.Args[len(line.Args)-1]

	if len(text) > 0 && text[0] == s.cfg.Prefix {
		if s.Pipeline != nil {
			s.Pipeline.HandlePrivMsg(context.Background(), channel, line.Prefix, text)
		}
		return
	}

	if s.Bus != nil {
		ch := channel
		if strings.HasPrefix(ch, "#") {
			ch = strings.TrimPrefix(ch, "#")
		} else {
			ch = `\` + nickFromPrefix(line.Prefix)
		}
		if err := s.Bus.PublishEvent(ch, string(s.cfg.Prefix), "message", text); err != nil {
			s.Log.WithError(err).Debug("session: publish message failed")
		}
	}
}

// publishObserved republishes NOTICE/TOPIC/unrecognized traffic for bus
// observers, per spec.md §4.2.
func (s *Session) publishObserved(line ircline.Line) {
	if s.Bus == nil || len(line.Args) == 0 {
		return
	}
	channel := strings.TrimPrefix(line.Args[0], "#")
	payload := line.Args[len(line.Args)-1]
	event := strings.ToLower(line.Command)
	if err := s.Bus.PublishEvent(channel, string(s.cfg.Prefix), event, payload); err != nil {
		s.Log.WithError(err).Debug("session: publish observed line failed")
	}
}

func nickFromPrefix(prefix string) string {
	if i := strings.IndexByte(prefix, '!'); i != -1 {
		return prefix[:i]
	}
	return prefix
}

// Topics returns a snapshot of the channel->topic table, used by
// bus.TopicsSnapshot to answer `to/bot/request topics`.
func (s *Session) Topics() map[string]string {
	s.topicsMu.Lock()
	defer s.topicsMu.Unlock()
	out := make(map[string]string, len(s.topics))
	for k, v := range s.topics {
		out[k] = v
	}
	return out
}

package session

import (
	"errors"
	"strings"

	"github.com/chanbridge/bridge/internal/ircline"
)

// ErrNotConnected is returned by the outbound actions when no socket is
// open yet.
var ErrNotConnected = errors.New("session: not connected")

func (s *Session) sendLine(command string, args ...string) error {
	s.Lock()
	connected := s.conn != nil
	s.Unlock()
	if !connected {
		return ErrNotConnected
	}
	s.send(ircline.Format("", command, args))
	return nil
}

// PrivMsg sends a PRIVMSG to target, satisfying httpapi.MessageSender.
func (s *Session) PrivMsg(target, text string) error {
	return s.sendLine("PRIVMSG", target, text)
}

// Notice sends a NOTICE to target, part of bus.IRCActions.
func (s *Session) Notice(target, text string) error {
	return s.sendLine("NOTICE", target, text)
}

// Topic sets channel's topic, part of bus.IRCActions.
func (s *Session) Topic(channel, text string) error {
	return s.sendLine("TOPIC", channel, text)
}

// Join sends a JOIN for channel, adding a leading '#' if missing (the
// initial join set is driven by the state machine itself).
func (s *Session) Join(channel string) error {
	if !strings.HasPrefix(channel, "#") {
		channel = "#" + channel
	}
	return s.sendLine("JOIN", channel)
}

package bus

import (
	"math/rand"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChannelFromTopic(t *testing.T) {
	assert.Equal(t, "general", channelFromTopic("gh", "gh/to/irc/general/privmsg", "privmsg"))
	assert.Equal(t, `\bob`, channelFromTopic("gh", `gh/to/irc/\bob/privmsg`, "privmsg"))
}

func TestApplyOutboundEscapesStripsCRLF(t *testing.T) {
	assert.Equal(t, "hello world", applyOutboundEscapes("hello\nworld"))
	assert.Equal(t, "helloworld", applyOutboundEscapes("hello\rworld"))
}

func TestPublishEventRejectsInjection(t *testing.T) {
	b := &Bridge{prefix: "gh"}
	b.log = logrus.NewEntry(logrus.New())

	err := b.PublishEvent("general", "gh", "message", "line one\r\nline two")
	assert.Error(t, err)
}

type fakeIRCActions struct {
	lastTarget, lastText string
}

func (f *fakeIRCActions) PrivMsg(target, text string) error {
	f.lastTarget, f.lastText = target, text
	return nil
}
func (f *fakeIRCActions) Notice(target, text string) error { return nil }
func (f *fakeIRCActions) Topic(channel, text string) error { return nil }

type fakeMessage struct {
	topic   string
	payload string
}

func (m *fakeMessage) Duplicate() bool   { return false }
func (m *fakeMessage) Qos() byte         { return 0 }
func (m *fakeMessage) Retained() bool    { return false }
func (m *fakeMessage) Topic() string     { return m.topic }
func (m *fakeMessage) MessageID() uint16 { return 0 }
func (m *fakeMessage) Payload() []byte   { return []byte(m.payload) }
func (m *fakeMessage) Ack()              {}

func TestHandlePrivmsgAppliesBusEscapes(t *testing.T) {
	irc := &fakeIRCActions{}
	b := &Bridge{prefix: "gh", irc: irc, log: logrus.NewEntry(logrus.New()), rand: rand.New(rand.NewSource(1))}

	b.handlePrivmsg(nil, &fakeMessage{topic: "gh/to/irc/general/privmsg", payload: "does the %m thing"})

	require.Equal(t, "#general", irc.lastTarget)
	assert.Equal(t, "\x01ACTION does the thing\x01", irc.lastText)
	assert.NotContains(t, irc.lastText, "%m")
}

func TestHandlePrivmsgExpandsRandomEscape(t *testing.T) {
	irc := &fakeIRCActions{}
	b := &Bridge{prefix: "gh", irc: irc, log: logrus.NewEntry(logrus.New()), rand: rand.New(rand.NewSource(1))}

	b.handlePrivmsg(nil, &fakeMessage{topic: "gh/to/irc/general/privmsg", payload: "roll: %R"})

	assert.NotContains(t, irc.lastText, "%R")
	assert.NotEqual(t, "roll: %R", irc.lastText)
}

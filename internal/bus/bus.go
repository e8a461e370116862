// Package bus bridges the configured pub/sub broker to the IRC session,
// translating topic strings per spec.md §4.7. It is grounded on
// mqtt_handler.py's callback-per-topic wiring, adapted onto
// github.com/eclipse/paho.mqtt.golang's subscribe/publish API.
package bus

import (
	"fmt"
	"math/rand"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/chanbridge/bridge/internal/dispatch"
)

// IRCActions is the subset of the session the bridge needs in order to
// act on inbound bus messages, kept narrow so bus can be tested with a
// fake rather than a real connection.
type IRCActions interface {
	PrivMsg(target, text string) error
	Notice(target, text string) error
	Topic(channel, text string) error
}

// Bridge owns a connected MQTT client and the topic prefix configured
// for this bot instance.
type Bridge struct {
	client mqtt.Client
	prefix string
	irc    IRCActions
	log    *logrus.Entry

	onRegister func(payload string)
	topics     TopicsSnapshot

	rand *rand.Rand
}

// TopicsSnapshot returns the current channel->topic map, used to answer
// `to/bot/request topics`.
type TopicsSnapshot func() map[string]string

// New wraps an already-configured mqtt.Client. Call Start to subscribe.
func New(client mqtt.Client, prefix string, irc IRCActions, log *logrus.Entry, onRegister func(string), topics TopicsSnapshot) *Bridge {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Bridge{
		client:     client,
		prefix:     strings.TrimRight(prefix, "/"),
		irc:        irc,
		log:        log,
		onRegister: onRegister,
		topics:     topics,
		rand:       rand.New(rand.NewSource(1)),
	}
}

func (b *Bridge) topic(suffix string) string {
	return b.prefix + "/" + suffix
}

// Start subscribes to every inbound topic from spec.md §4.7.
func (b *Bridge) Start() error {
	subs := map[string]mqtt.MessageHandler{
		b.topic("to/irc/+/privmsg"):    b.handlePrivmsg,
		b.topic("to/irc/+/notice"):     b.handleNotice,
		b.topic("to/irc/+/topic"):      b.handleTopic,
		b.topic("to/irc-person/+"):     b.handleIRCPerson,
		b.topic("to/bot/request topics"): b.handleRequestTopics,
		b.topic("to/bot/register"):     b.handleRegister,
	}
	for t, h := range subs {
		if token := b.client.Subscribe(t, 0, h); token.Wait() && token.Error() != nil {
			return errors.Wrapf(token.Error(), "bus: subscribe %q", t)
		}
	}
	return nil
}

// channelFromTopic extracts the <chan> segment of a
// "<prefix>/to/irc/<chan>/<action>" topic.
func channelFromTopic(prefix, full, suffix string) string {
	base := strings.TrimPrefix(full, prefix+"/to/irc/")
	return strings.TrimSuffix(base, "/"+suffix)
}

func (b *Bridge) logIfErr(action string, err error) {
	if err != nil {
		b.log.WithError(err).WithField("action", action).Warn("bus: irc action failed")
	}
}

func (b *Bridge) handlePrivmsg(_ mqtt.Client, msg mqtt.Message) {
	chanName := channelFromTopic(b.prefix, msg.Topic(), "privmsg")
	text := applyOutboundEscapes(string(msg.Payload()))
	text = dispatch.ApplyBusEscapes(text, b.rand)
	if strings.HasPrefix(chanName, `\`) {
		b.logIfErr("privmsg", b.irc.PrivMsg(strings.TrimPrefix(chanName, `\`), text))
		return
	}
	b.logIfErr("privmsg", b.irc.PrivMsg("#"+chanName, text))
}

func (b *Bridge) handleNotice(_ mqtt.Client, msg mqtt.Message) {
	chanName := channelFromTopic(b.prefix, msg.Topic(), "notice")
	b.logIfErr("notice", b.irc.Notice("#"+chanName, string(msg.Payload())))
}

func (b *Bridge) handleTopic(_ mqtt.Client, msg mqtt.Message) {
	chanName := channelFromTopic(b.prefix, msg.Topic(), "topic")
	b.logIfErr("topic", b.irc.Topic("#"+chanName, string(msg.Payload())))
}

func (b *Bridge) handleIRCPerson(_ mqtt.Client, msg mqtt.Message) {
	base := strings.TrimPrefix(msg.Topic(), b.prefix+"/to/irc-person/")
	nick := strings.TrimPrefix(base, `\`)
	b.logIfErr("irc-person", b.irc.PrivMsg(nick, string(msg.Payload())))
}

func (b *Bridge) handleRequestTopics(_ mqtt.Client, _ mqtt.Message) {
	if b.topics == nil {
		return
	}
	for ch, topic := range b.topics() {
		b.publish(fmt.Sprintf("from/bot/topics/%s", ch), topic, false)
	}
}

func (b *Bridge) handleRegister(_ mqtt.Client, msg mqtt.Message) {
	if b.onRegister != nil {
		b.onRegister(string(msg.Payload()))
	}
}

// applyOutboundEscapes removes \r and turns \n into a space in text that
// came in over the bus destined for IRC, per spec.md §4.7's injection
// guard — bus→IRC
// direction only; IRC→bus guarding lives in PublishEvent below.
func applyOutboundEscapes(s string) string {
	s = strings.ReplaceAll(s, "\r", "")
	s = strings.ReplaceAll(s, "\n", " ")
	return s
}

// publish sends one message, wrapping errors for the caller's log.
func (b *Bridge) publish(suffix, payload string, retain bool) {
	token := b.client.Publish(b.topic(suffix), 0, retain, payload)
	go func() {
		token.Wait()
		if err := token.Error(); err != nil {
			b.log.WithError(err).WithField("topic", suffix).Warn("bus: publish failed")
		}
	}()
}

// PublishEvent emits an outbound channel event
// (from/irc/<chan>/<botprefix>/<EVENT>), rejecting payloads containing
// \r or \n to prevent topic/protocol injection, per spec.md §4.7.
func (b *Bridge) PublishEvent(channel, botPrefix, event, payload string) error {
	if strings.ContainsAny(payload, "\r\n") {
		b.log.WithFields(logrus.Fields{"channel": channel, "event": event}).
			Error("bus: refusing to publish payload containing CR/LF")
		return errors.New("bus: payload contains CR or LF")
	}
	b.publish(fmt.Sprintf("from/irc/%s/%s/%s", channel, botPrefix, event), payload, false)
	return nil
}

// AnnounceStartup publishes the re-registration request and every
// bot-level parameter, with params published retained so late-joining
// plugins still see them, restoring a feature spec.md's distillation
// dropped (original: `ghbot.py`'s startup publish block).
func (b *Bridge) AnnounceStartup(params map[string]string) {
	b.publish("from/bot/command", "register", false)
	for k, v := range params {
		b.publish("from/bot/parameter/"+k, v, true)
	}
}

// StartTopicAnnouncer republishes the topics snapshot on a fixed
// cadence until stop is closed, restoring the original's
// `_topic_announcer` background loop (≈2.5s) that spec.md's
// distillation dropped in favor of the on-demand
// `to/bot/request topics` handler alone.
func (b *Bridge) StartTopicAnnouncer(interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			b.handleRequestTopics(nil, nil)
		}
	}
}

package session

import (
	"regexp"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/chanbridge/bridge/internal/ircline"
)

func testSession(t *testing.T) *Session {
	t.Helper()
	s := New(Config{Nick: "bot", Prefix: '~', Channels: []string{"general"}}, nil, nil, logrus.NewEntry(logrus.New()))
	return s
}

var userValueRe = regexp.MustCompile(`^[^!]+![^@]+@.+$`)

// TestUsersTableInvariant checks spec.md §8 property 1: every value is
// either "?" or matches nick!user@host.
func TestUsersTableInvariant(t *testing.T) {
	s := testSession(t)

	s.handle353(ircline.Line{Args: []string{"bot", "#general", "alice bob @carol"}})
	s.handle352(ircline.Line{Args: []string{"bot", "#general", "u", "h", "server", "alice"}})

	s.usersMu.Lock()
	defer s.usersMu.Unlock()
	for nick, v := range s.users {
		require.Equal(t, lowerNick(nick), nick)
		if v != "?" {
			require.Regexp(t, userValueRe, v)
		}
	}
}

// TestPartRemovesUser checks spec.md §8 property 2 for PART.
func TestPartRemovesUser(t *testing.T) {
	s := testSession(t)
	s.setUser("alice", "alice!u@h")
	s.handlePart(ircline.Line{Prefix: "alice!u@h", Args: []string{"#general"}})
	_, known := s.Lookup("alice")
	require.False(t, known)
}

func TestQuitRemovesUser(t *testing.T) {
	s := testSession(t)
	s.setUser("alice", "alice!u@h")
	s.handleQuit(ircline.Line{Prefix: "alice!u@h", Args: []string{"bye"}})
	_, known := s.Lookup("alice")
	require.False(t, known)
}

func TestKickRemovesKickedUser(t *testing.T) {
	s := testSession(t)
	s.setUser("alice", "alice!u@h")
	s.handleKick(ircline.Line{Prefix: "op!u@h", Args: []string{"#general", "alice", "bye"}})
	_, known := s.Lookup("alice")
	require.False(t, known)
}

// TestNickRenamePreservesIdentity checks the NICK handler does not lose
// track of the renaming user, addressing spec.md §9's "old_user unbound"
// bug: oldNick is captured once and reused throughout.
func TestNickRenamePreservesIdentity(t *testing.T) {
	s := testSession(t)
	s.setUser("alice", "alice!u@h")

	s.handleNick(ircline.Line{Prefix: "alice!u@h", Args: []string{"alicia"}})

	_, stillKnown := s.Lookup("alice")
	require.False(t, stillKnown)

	identity, known := s.Lookup("alicia")
	require.True(t, known)
	require.Equal(t, "alicia!u@h", identity)
}

func TestNickRenameOfUnknownUserSetsSentinel(t *testing.T) {
	s := testSession(t)
	s.handleNick(ircline.Line{Prefix: "ghost!u@h", Args: []string{"phantom"}})

	s.usersMu.Lock()
	v, ok := s.users["phantom"]
	s.usersMu.Unlock()
	require.True(t, ok)
	require.Equal(t, "?", v)
}

func TestHandle001AdvancesFromUserWaitOnly(t *testing.T) {
	s := testSession(t)
	s.conn = nil
	s.pwrite = make(chan string, 8)

	s.setState(StateConnectedWait)
	s.handle001()
	require.Equal(t, StateConnectedWait, s.State())

	s.setState(StateUserWait)
	s.handle001()
	require.Equal(t, StateConnectedWait, s.State())
}

func TestHandleJoinAdvancesToRunningWhenAllChannelsJoined(t *testing.T) {
	s := testSession(t)
	s.pwrite = make(chan string, 8)
	s.setState(StateConnectedWait)

	s.handleJoin(ircline.Line{Prefix: "bot!u@h", Args: []string{"#general"}})
	require.Equal(t, StateRunning, s.State())
}

func TestStateString(t *testing.T) {
	require.Equal(t, "Running", StateRunning.String())
	require.Equal(t, "Disconnected", StateDisconnected.String())
}

// fakePublisher records events published for observer assertions.
type fakePublisher struct {
	events []string
}

func (f *fakePublisher) PublishEvent(channel, botPrefix, event, payload string) error {
	f.events = append(f.events, event+":"+channel+":"+payload)
	return nil
}

func TestHandlePartPublishesEvent(t *testing.T) {
	s := testSession(t)
	pub := &fakePublisher{}
	s.Bus = pub
	s.setUser("alice", "alice!u@h")

	s.handlePart(ircline.Line{Prefix: "alice!u@h", Args: []string{"#general"}})

	require.Len(t, pub.events, 1)
	require.Contains(t, pub.events[0], "PART:general:")
}

func TestWhoWaiterTimesOutWithoutReply(t *testing.T) {
	w := newWhoWaiter()
	w.register("ghost")
	identity, known := w.wait("ghost")
	require.False(t, known)
	require.Empty(t, identity)
}

func TestWhoWaiterResolvesOnEndOfWho(t *testing.T) {
	w := newWhoWaiter()
	w.register("alice")
	w.resolve("alice", "alice!u@h")
	w.endOfWho("alice")

	identity, known := w.wait("alice")
	require.True(t, known)
	require.Equal(t, "alice!u@h", identity)
}

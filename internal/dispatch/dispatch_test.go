package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/chanbridge/bridge/internal/aclstore"
	"github.com/chanbridge/bridge/internal/pager"
	"github.com/chanbridge/bridge/internal/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeUsers struct {
	identities map[string]string
}

func (f *fakeUsers) Lookup(nick string) (string, bool) {
	id, ok := f.identities[nick]
	return id, ok
}

func (f *fakeUsers) InvokeWhoAndWait(nick string) (string, bool) {
	return f.Lookup(nick)
}

type fakeBus struct {
	published []string
}

func (f *fakeBus) PublishEvent(channel, botPrefix, event, payload string) error {
	f.published = append(f.published, channel+"/"+botPrefix+"/"+event+" "+payload)
	return nil
}

func newTestPipeline(t *testing.T) (*Pipeline, *[]string, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	var sent []string
	pg := pager.New(
		func(ch, text string) { sent = append(sent, "MSG "+ch+": "+text) },
		func(ch, text string) { sent = append(sent, "NOTICE "+ch+": "+text) },
	)

	users := &fakeUsers{identities: map[string]string{"alice": "alice!u@h"}}
	bus := &fakeBus{}
	p := New('~', "bridgebot", aclstore.New(db), registry.New(10*time.Second), pg, users, bus, nil)
	return p, &sent, mock
}

func TestHelpBuiltinMatchesS1(t *testing.T) {
	p, sent, _ := newTestPipeline(t)
	p.HandlePrivMsg(context.Background(), "#chan", "alice!u@h", "~help addacl")

	require.Len(t, *sent, 1)
	assert.Equal(t, "MSG #chan: Add an ACL, format: addacl user|group <user|group> group|cmd <group-name|cmd-name> (group: sysops)", (*sent)[0])
}

func TestACLDeniedExternalCommandS2(t *testing.T) {
	p, sent, mock := newTestPipeline(t)
	p.Registry.Register("roll", "rolls dice", "games", "bob", "dice-plugin", time.Now())

	mock.ExpectQuery("SELECT COUNT.*FROM acls WHERE").
		WillReturnRows(sqlmock.NewRows([]string{"n"}).AddRow(0))
	mock.ExpectQuery("SELECT COUNT.*JOIN acl_groups").
		WillReturnRows(sqlmock.NewRows([]string{"n"}).AddRow(0))
	mock.ExpectQuery("SELECT COUNT.*FROM acl_groups WHERE group_name").
		WillReturnRows(sqlmock.NewRows([]string{"n"}).AddRow(0))

	p.HandlePrivMsg(context.Background(), "#chan", "alice!u@h", "~roll 2d6")

	require.Len(t, *sent, 1)
	assert.Contains(t, (*sent)[0], "games")
	assert.Empty(t, p.Bus.(*fakeBus).published)
}

func TestACLGrantedExternalCommandS3(t *testing.T) {
	p, sent, mock := newTestPipeline(t)
	p.Registry.Register("roll", "rolls dice", "games", "bob", "dice-plugin", time.Now())

	mock.ExpectQuery("SELECT COUNT.*FROM acls WHERE").
		WillReturnRows(sqlmock.NewRows([]string{"n"}).AddRow(1))

	p.HandlePrivMsg(context.Background(), "#chan", "alice!u@h", "~roll 2d6")

	assert.Empty(t, *sent)
	fb := p.Bus.(*fakeBus)
	require.Len(t, fb.published, 1)
	assert.Equal(t, `chan/alice!u@h/roll ~roll 2d6`, fb.published[0])
}

func TestAliasLoopTerminatesWithinEightIterationsS4(t *testing.T) {
	p, sent, mock := newTestPipeline(t)

	rows := func(isCmd int, text string) *sqlmock.Rows {
		return sqlmock.NewRows([]string{"nr", "is_command", "replacement_text"}).AddRow(1, isCmd, text)
	}
	mock.ExpectQuery("SELECT nr, is_command, replacement_text FROM aliasses").WillReturnRows(rows(1, "b"))
	mock.ExpectQuery("SELECT nr, is_command, replacement_text FROM aliasses").WillReturnRows(rows(1, "a"))
	mock.ExpectQuery("SELECT nr, is_command, replacement_text FROM aliasses").WillReturnRows(rows(1, "b"))
	mock.ExpectQuery("SELECT nr, is_command, replacement_text FROM aliasses").WillReturnRows(rows(1, "a"))
	mock.ExpectQuery("SELECT nr, is_command, replacement_text FROM aliasses").WillReturnRows(rows(1, "b"))
	mock.ExpectQuery("SELECT nr, is_command, replacement_text FROM aliasses").WillReturnRows(rows(1, "a"))
	mock.ExpectQuery("SELECT nr, is_command, replacement_text FROM aliasses").WillReturnRows(rows(1, "b"))
	mock.ExpectQuery("SELECT nr, is_command, replacement_text FROM aliasses").WillReturnRows(rows(1, "a"))

	done := make(chan struct{})
	go func() {
		p.HandlePrivMsg(context.Background(), "#chan", "alice!u@h", "~a")
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("alias loop did not terminate within 8 iterations")
	}
	_ = sent
}

func TestResponseChannelRuleForDirectMessage(t *testing.T) {
	p, sent, _ := newTestPipeline(t)
	p.HandlePrivMsg(context.Background(), "bridgebot", "alice!u@h", "~help")
	require.Len(t, *sent, 1)
	assert.Contains(t, (*sent)[0], "MSG alice:")
}

func TestFloodBucketDropsExcessCommands(t *testing.T) {
	p, sent, _ := newTestPipeline(t)
	for i := 0; i < floodCapacity; i++ {
		p.HandlePrivMsg(context.Background(), "#chan", "alice!u@h", "~help")
	}
	require.Len(t, *sent, floodCapacity)

	p.HandlePrivMsg(context.Background(), "#chan", "alice!u@h", "~help")
	assert.Len(t, *sent, floodCapacity, "command beyond the bucket capacity must be dropped silently")
}

func TestFloodBucketIsPerIdentity(t *testing.T) {
	p, sent, _ := newTestPipeline(t)
	for i := 0; i < floodCapacity; i++ {
		p.HandlePrivMsg(context.Background(), "#chan", "alice!u@h", "~help")
	}
	require.Len(t, *sent, floodCapacity)

	p.HandlePrivMsg(context.Background(), "#chan", "bob!u@h", "~help")
	assert.Len(t, *sent, floodCapacity+1, "a different identity must have its own untouched bucket")
}

func TestNextQueueDrainsOneEntry(t *testing.T) {
	p, sent, _ := newTestPipeline(t)
	p.QueueNext("#chan", "first", false)
	p.QueueNext("#chan", "second", false)

	p.HandlePrivMsg(context.Background(), "#chan", "alice!u@h", "~next")
	require.Len(t, *sent, 1)
	assert.Equal(t, "MSG #chan: first", (*sent)[0])
}

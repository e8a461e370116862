package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeRegistry struct {
	snap map[string]RegistryEntry
	gone map[string]time.Time
}

func (f fakeRegistry) Snapshot() map[string]RegistryEntry { return f.snap }
func (f fakeRegistry) GoneSnapshot() map[string]time.Time { return f.gone }

type fakeSender struct {
	lastChannel, lastText string
	err                   error
}

func (f *fakeSender) PrivMsg(channel, text string) error {
	f.lastChannel, f.lastText = channel, text
	return f.err
}

func newTestServer() (*Server, *fakeSender, fakeRegistry) {
	reg := fakeRegistry{
		snap: map[string]RegistryEntry{
			"roll": {Description: "rolls dice", RequiredGroup: "games"},
		},
		gone: map[string]time.Time{
			"weather": time.Now().Add(-15 * time.Second),
		},
	}
	sender := &fakeSender{}
	return New(reg, sender, nil), sender, reg
}

func TestHandlePluginsLoaded(t *testing.T) {
	s, _, _ := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/plugins-loaded.cgi", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var got map[string]RegistryEntry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Equal(t, "games", got["roll"].RequiredGroup)
}

func TestHandlePluginsUnresponsiveReportsElapsedSeconds(t *testing.T) {
	s, _, _ := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/plugins-unresponsive.cgi", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	var got map[string]float64
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.InDelta(t, 15, got["weather"], 2)
}

func TestHandlePostMessageSuccess(t *testing.T) {
	s, sender, _ := newTestServer()
	body := bytes.NewBufferString(`{"channel":"#general","text":"hi"}`)
	req := httptest.NewRequest(http.MethodPost, "/post-message.cgi", body)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "#general", sender.lastChannel)
	require.Equal(t, "hi", sender.lastText)
}

func TestHandlePostMessageMissingFields(t *testing.T) {
	s, _, _ := newTestServer()
	body := bytes.NewBufferString(`{"channel":"","text":""}`)
	req := httptest.NewRequest(http.MethodPost, "/post-message.cgi", body)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestHandleIndexRendersTable(t *testing.T) {
	s, _, _ := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "roll")
	require.Contains(t, rec.Body.String(), "games")
}

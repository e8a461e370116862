// Package httpapi exposes the read-only admin surface of spec.md §6 over
// github.com/gorilla/mux, grounded on http_server.py's endpoint table.
package httpapi

import (
	"encoding/json"
	"fmt"
	"html"
	"net/http"
	"sort"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

// RegistrySnapshot is the narrow view httpapi needs of the plugin
// registry.
type RegistrySnapshot interface {
	Snapshot() map[string]RegistryEntry
	GoneSnapshot() map[string]time.Time
}

// RegistryEntry is the subset of registry.Entry the HTTP surface renders.
type RegistryEntry struct {
	Description   string
	RequiredGroup string
	Author        string
	Location      string
	Hardcoded     bool
}

// MessageSender delivers a PRIVMSG on behalf of POST /post-message.cgi.
type MessageSender interface {
	PrivMsg(channel, text string) error
}

// Server wraps a *mux.Router bound to the registry and message sender.
type Server struct {
	router   *mux.Router
	registry RegistrySnapshot
	sender   MessageSender
	log      *logrus.Entry
}

// New builds a Server with all routes registered; serve Handler from a
// net/http.Server to run it.
func New(registry RegistrySnapshot, sender MessageSender, log *logrus.Entry) *Server {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	s := &Server{router: mux.NewRouter(), registry: registry, sender: sender, log: log}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.HandleFunc("/", s.handleIndex).Methods(http.MethodGet)
	s.router.HandleFunc("/index.html", s.handleIndex).Methods(http.MethodGet)
	s.router.HandleFunc("/plugins-loaded.cgi", s.handlePluginsLoaded).Methods(http.MethodGet)
	s.router.HandleFunc("/plugins-unresponsive.cgi", s.handlePluginsUnresponsive).Methods(http.MethodGet)
	s.router.HandleFunc("/post-message.cgi", s.handlePostMessage).Methods(http.MethodPost)
	s.router.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
}

// Handler returns the underlying http.Handler for embedding in an
// *http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "ok")
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	snap := s.registry.Snapshot()
	names := make([]string, 0, len(snap))
	for name := range snap {
		names = append(names, name)
	}
	sort.Strings(names)

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprint(w, "<html><body><table border=\"1\">")
	fmt.Fprint(w, "<tr><th>command</th><th>description</th><th>group</th><th>author</th><th>location</th><th>hardcoded</th></tr>")
	for _, name := range names {
		e := snap[name]
		group := e.RequiredGroup
		if group == "" {
			group = "(none)"
		}
		fmt.Fprintf(w, "<tr><td>%s</td><td>%s</td><td>%s</td><td>%s</td><td>%s</td><td>%v</td></tr>",
			html.EscapeString(name), html.EscapeString(e.Description), html.EscapeString(group),
			html.EscapeString(e.Author), html.EscapeString(e.Location), e.Hardcoded)
	}
	fmt.Fprint(w, "</table></body></html>")
}

func (s *Server) handlePluginsLoaded(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.registry.Snapshot())
}

func (s *Server) handlePluginsUnresponsive(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	out := make(map[string]float64)
	for name, since := range s.registry.GoneSnapshot() {
		out[name] = time.Since(since).Seconds()
	}
	json.NewEncoder(w).Encode(out)
}

type postMessageRequest struct {
	Channel string `json:"channel"`
	Text    string `json:"text"`
}

func (s *Server) handlePostMessage(w http.ResponseWriter, r *http.Request) {
	var req postMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Channel == "" || req.Text == "" {
		http.Error(w, "channel and text are required", http.StatusInternalServerError)
		return
	}
	if err := s.sender.PrivMsg(req.Channel, req.Text); err != nil {
		s.log.WithError(err).Warn("httpapi: post-message failed")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// Package session implements the IRC connection state machine of
// spec.md §3/§4.2: connect, register, join, run, reconnect, plus the
// users/topics bookkeeping tables. It is grounded on the teacher's
// irc.go/irc_struct.go `Connection` type (embedded sync.Mutex over plain
// fields, a dialer abstraction for proxy support, an Encoding-wrapped
// socket) but drives the explicit state table of spec.md §4.2 instead of
// the teacher's CAP/SASL negotiation, which is dropped per spec.md's
// non-goals.
package session

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/chanbridge/bridge/internal/dispatch"
	"github.com/chanbridge/bridge/internal/ircline"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/proxy"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/unicode"
	"h12.io/socks"
)

// State is one node of the connection state machine of spec.md §4.2.
type State uint8

const (
	StateDisconnected State = iota
	StateConnectedPass
	StateConnectedNick
	StateConnectedUser
	StateUserWait
	StateConnectedJoin
	StateConnectedWait
	StateRunning
	StateDisconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "Disconnected"
	case StateConnectedPass:
		return "ConnectedPass"
	case StateConnectedNick:
		return "ConnectedNick"
	case StateConnectedUser:
		return "ConnectedUser"
	case StateUserWait:
		return "UserWait"
	case StateConnectedJoin:
		return "ConnectedJoin"
	case StateConnectedWait:
		return "ConnectedWait"
	case StateRunning:
		return "Running"
	case StateDisconnecting:
		return "Disconnecting"
	default:
		return "Unknown"
	}
}

// stateTimeout is spec.md §4.2's "state-age > 120s" registration
// deadline; whoTimeout is the §4.2/§4.5 WHO-reply wait bound;
// keepaliveTimeout is the §4.2 "no inbound for 600s" watchdog.
const (
	stateTimeout     = 120 * time.Second
	whoTimeout       = 5 * time.Second
	keepaliveTimeout = 600 * time.Second
)

// ProxyConfig mirrors the teacher's pluggable dialer (direct, SOCKS4 via
// h12.io/socks, SOCKS5/HTTP via golang.org/x/net/proxy) — orthogonal to
// the state machine and kept because it is already paid for in the
// dependency graph (SPEC_FULL.md §4.2).
type ProxyConfig struct {
	Type     string // "", "socks4", "socks5", "http"
	Address  string
	Username string
	Password string
}

// Config is the static configuration of one IRC session, read from
// internal/config at process start.
type Config struct {
	Host      string
	Port      int
	Nick      string
	Password  string
	Channels  []string
	OwnerNick string
	Prefix    byte
	Proxy     *ProxyConfig
}

// EventPublisher is the narrow bus surface the session needs in order to
// republish NOTICE/TOPIC/other traffic and JOIN/PART/KICK/NICK/QUIT
// events for observers, per spec.md §4.2 and §4.7.
type EventPublisher interface {
	PublishEvent(channel, botPrefix, event, payload string) error
}

// Session owns one IRC connection: the socket, the state machine, the
// users/topics tables, and the dispatch pipeline that PRIVMSG text is
// handed to. Like the teacher's Connection, shared mutable fields are
// guarded by an embedded mutex rather than channel ownership.
type Session struct {
	sync.Mutex

	cfg      Config
	Pipeline *dispatch.Pipeline
	Bus      EventPublisher
	Log      *logrus.Entry

	conn           net.Conn
	encoding       encoding.Encoding
	pwrite         chan string
	end            chan struct{}
	wg             sync.WaitGroup
	state          State
	stateEnteredAt time.Time

	lastInboundMu sync.Mutex
	lastInbound   time.Time

	usersMu sync.Mutex
	users   map[string]string // lowercased nick -> "?" or "nick!user@host"

	topicsMu sync.Mutex
	topics   map[string]string // channel (no '#') -> topic text

	joinedMu sync.Mutex
	joined   map[string]bool // channel (no '#') -> joined

	who *whoWaiter

	// workerSem bounds the number of concurrently dispatched lines, per
	// spec.md §9's note that one goroutine per inbound line gives no
	// back-pressure; a fixed-size semaphore caps it instead.
	workerSem chan struct{}
}

// maxConcurrentWorkers is the per-line dispatch concurrency cap of
// spec.md §9's back-pressure fix.
const maxConcurrentWorkers = 32

// New constructs a Session. Call Run to connect and drive the state
// machine; it blocks until the keepalive watchdog fires or ctx is
// cancelled.
func New(cfg Config, pipeline *dispatch.Pipeline, bus EventPublisher, log *logrus.Entry) *Session {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Session{
		cfg:      cfg,
		Pipeline: pipeline,
		Bus:      bus,
		Log:      log,
		encoding:  unicode.UTF8,
		users:     make(map[string]string),
		topics:    make(map[string]string),
		joined:    make(map[string]bool),
		who:       newWhoWaiter(),
		workerSem: make(chan struct{}, maxConcurrentWorkers),
	}
}

func (s *Session) setState(st State) {
	s.Lock()
	s.state = st
	s.stateEnteredAt = time.Now()
	s.Unlock()
	s.Log.WithField("state", st.String()).Debug("session: state transition")
}

// State returns the current state machine node.
func (s *Session) State() State {
	s.Lock()
	defer s.Unlock()
	return s.state
}

func (s *Session) stateAge() time.Duration {
	s.Lock()
	defer s.Unlock()
	return time.Since(s.stateEnteredAt)
}

func (s *Session) touchInbound() {
	s.lastInboundMu.Lock()
	s.lastInbound = time.Now()
	s.lastInboundMu.Unlock()
}

func (s *Session) inboundAge() time.Duration {
	s.lastInboundMu.Lock()
	defer s.lastInboundMu.Unlock()
	return time.Since(s.lastInbound)
}

// dial opens the TCP (optionally proxied) connection per
// SPEC_FULL.md §4.2's retained dialer pluggability.
func (s *Session) dial(ctx context.Context) (net.Conn, error) {
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	d := net.Dialer{Timeout: 30 * time.Second}

	if s.cfg.Proxy == nil || s.cfg.Proxy.Type == "" {
		return d.DialContext(ctx, "tcp", addr)
	}

	switch s.cfg.Proxy.Type {
	case "socks4":
		dialFunc := socks.Dial(fmt.Sprintf("socks4://%s", s.cfg.Proxy.Address))
		return dialFunc("tcp", addr)
	case "socks5", "http":
		var auth *proxy.Auth
		if s.cfg.Proxy.Username != "" {
			auth = &proxy.Auth{User: s.cfg.Proxy.Username, Password: s.cfg.Proxy.Password}
		}
		dialer, err := proxy.SOCKS5("tcp", s.cfg.Proxy.Address, auth, proxy.Direct)
		if err != nil {
			return nil, err
		}
		return dialer.Dial("tcp", addr)
	default:
		return d.DialContext(ctx, "tcp", addr)
	}
}

// Run opens the connection, drives the registration state machine, and
// blocks processing inbound lines until the connection drops or ctx is
// cancelled. The caller (cmd/bridge) is expected to call Run in a loop
// to implement reconnect-on-disconnect.
func (s *Session) Run(ctx context.Context) error {
	conn, err := s.dial(ctx)
	if err != nil {
		s.setState(StateDisconnected)
		return fmt.Errorf("session: dial: %w", err)
	}
	s.conn = conn
	s.pwrite = make(chan string, 64)
	s.end = make(chan struct{})
	s.touchInbound()

	s.setState(StateConnectedPass)
	if s.cfg.Password != "" {
		s.send("PASS " + s.cfg.Password)
	}
	s.setState(StateConnectedNick)
	s.send("NICK " + s.cfg.Nick)
	s.setState(StateConnectedUser)
	s.send(fmt.Sprintf("USER %s 0 * :%s", s.cfg.Nick, s.cfg.Nick))
	s.setState(StateUserWait)

	s.wg.Add(2)
	go s.writeLoop()
	go s.readLoop()
	go s.watchdogs(ctx)

	s.wg.Wait()
	return nil
}

// Close tears down the socket and flips to Disconnected, matching the
// "any: socket write error -> Disconnected: close socket" and
// "Disconnecting: tick -> Disconnected" rows of spec.md §4.2.
func (s *Session) Close() {
	s.Lock()
	if s.end != nil {
		select {
		case <-s.end:
		default:
			close(s.end)
		}
	}
	conn := s.conn
	s.Unlock()
	if conn != nil {
		conn.Close()
	}
	s.setState(StateDisconnected)
}

// watchdogs runs the state-age timeout and keepalive-silence checks on a
// 1s tick per spec.md §4.2/§5.
func (s *Session) watchdogs(ctx context.Context) {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.Close()
			return
		case <-s.end:
			return
		case <-ticker.C:
			st := s.State()
			if st != StateRunning && st != StateDisconnected && st != StateDisconnecting && s.stateAge() > stateTimeout {
				s.Log.Warn("session: registration state timed out, disconnecting")
				s.setState(StateDisconnecting)
				s.Close()
				return
			}
			if s.inboundAge() >= keepaliveTimeout {
				s.Log.Error("session: no inbound traffic within keepalive window, exiting for supervisor restart")
				osExit(1)
			}
		}
	}
}

// osExit is a var so tests can intercept the keepalive's process exit.
var osExit = func(code int) { panic(fmt.Sprintf("session: keepalive exit(%d)", code)) }

func (s *Session) send(line string) {
	select {
	case s.pwrite <- line + "\r\n":
	default:
		s.Log.Warn("session: write queue full, dropping line")
	}
}

func (s *Session) writeLoop() {
	defer s.wg.Done()
	w := s.encoding.NewEncoder().Writer(s.conn)
	for {
		select {
		case <-s.end:
			return
		case line, ok := <-s.pwrite:
			if !ok {
				return
			}
			s.conn.SetWriteDeadline(time.Now().Add(30 * time.Second))
			if _, err := w.Write([]byte(line)); err != nil {
				s.Log.WithError(err).Warn("session: write failed")
				s.Close()
				return
			}
		}
	}
}

func (s *Session) readLoop() {
	defer s.wg.Done()
	r := s.encoding.NewDecoder().Reader(s.conn)
	br := bufio.NewReaderSize(r, 1024)
	for {
		select {
		case <-s.end:
			return
		default:
		}
		s.conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
		raw, err := br.ReadString('\n')
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			s.Log.WithError(err).Info("session: read loop ending")
			s.Close()
			return
		}
		raw = strings.TrimRight(raw, "\r\n")
		if raw == "" {
			continue
		}
		s.touchInbound()
		line, err := ircline.Parse(raw)
		if err != nil {
			s.Log.WithError(err).Debug("session: malformed line ignored")
			continue
		}
		go s.dispatchLine(line)
	}
}

// dispatchLine is the short-lived worker spawned per inbound line
// (spec.md §5's "one short-lived worker task per line"), wrapped in a
// panic recovery so no handler bug can cross a worker-task boundary
// (spec.md §7).
func (s *Session) dispatchLine(line ircline.Line) {
	s.workerSem <- struct{}{}
	defer func() { <-s.workerSem }()
	defer func() {
		if r := recover(); r != nil {
			s.Log.WithField("panic", r).WithField("stack", string(debug.Stack())).Error("session: recovered from worker panic")
		}
	}()
	s.handleLine(line)
}

// Command bridge is the process entrypoint: it loads configuration, opens
// the database and bus connections, wires the dispatch pipeline, and
// runs the IRC session, HTTP status server, plugin registry janitor, and
// database probe side by side, per spec.md §5's task list.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	_ "github.com/go-sql-driver/mysql"
	"github.com/sirupsen/logrus"

	"github.com/chanbridge/bridge/internal/aclstore"
	"github.com/chanbridge/bridge/internal/bus"
	"github.com/chanbridge/bridge/internal/config"
	"github.com/chanbridge/bridge/internal/dbprobe"
	"github.com/chanbridge/bridge/internal/dispatch"
	"github.com/chanbridge/bridge/internal/httpapi"
	"github.com/chanbridge/bridge/internal/pager"
	"github.com/chanbridge/bridge/internal/registry"
	"github.com/chanbridge/bridge/internal/session"
)

// registryTTL is the plugin liveness window of spec.md §4.6.
const registryTTL = 10 * time.Second

// janitorInterval is the registry eviction cadence of spec.md §4.6.
const janitorInterval = 4900 * time.Millisecond

// topicAnnounceInterval restores the original's `_topic_announcer`
// cadence, per SPEC_FULL.md §4.7.
const topicAnnounceInterval = 2500 * time.Millisecond

// reconnectDelay is how long Run waits before redialing after the
// session ends, matching the teacher's Loop()'s reconnect pacing.
const reconnectDelay = 5 * time.Second

func main() {
	configPath := flag.String("config", "bridge.ini", "path to the INI configuration file")
	httpAddr := flag.String("http", ":8080", "address for the status HTTP server")
	flag.Parse()

	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	entry := logrus.NewEntry(log)

	if err := run(*configPath, *httpAddr, entry); err != nil {
		log.WithError(err).Fatal("bridge: fatal error")
	}
}

// busForwarder lets the session be constructed with an EventPublisher
// before the real bus.Bridge exists (the bridge in turn needs the
// session as its IRCActions), breaking the construction cycle the
// teacher avoids by building its MQTT handler and Connection in one
// literal struct; here the two are built independently and introduced
// to each other through this indirection.
type busForwarder struct {
	target session.EventPublisher
}

func (f *busForwarder) PublishEvent(channel, botPrefix, event, payload string) error {
	if f.target == nil {
		return nil
	}
	return f.target.PublishEvent(channel, botPrefix, event, payload)
}

// ircActionsAdapter satisfies bus.IRCActions by delegating to the
// session.
type ircActionsAdapter struct {
	s *session.Session
}

func (a *ircActionsAdapter) PrivMsg(target, text string) error { return a.s.PrivMsg(target, text) }
func (a *ircActionsAdapter) Notice(target, text string) error  { return a.s.Notice(target, text) }
func (a *ircActionsAdapter) Topic(channel, text string) error  { return a.s.Topic(channel, text) }

// registryView adapts registry.Registry's Entry type to httpapi's
// narrower RegistryEntry view.
type registryView struct {
	reg *registry.Registry
}

func (v registryView) Snapshot() map[string]httpapi.RegistryEntry {
	src := v.reg.Snapshot()
	out := make(map[string]httpapi.RegistryEntry, len(src))
	for name, e := range src {
		out[name] = httpapi.RegistryEntry{
			Description:   e.Description,
			RequiredGroup: e.RequiredGroup,
			Author:        e.Author,
			Location:      e.Location,
			Hardcoded:     e.Hardcoded,
		}
	}
	return out
}

func (v registryView) GoneSnapshot() map[string]time.Time {
	return v.reg.GoneSnapshot()
}

func run(configPath, httpAddr string, log *logrus.Entry) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	dsn := fmt.Sprintf("%s:%s@tcp(%s)/%s?parseTime=true", cfg.DB.User, cfg.DB.Password, cfg.DB.Host, cfg.DB.Database)
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	acls := aclstore.New(db)
	reg := registry.New(registryTTL)

	mqttOpts := mqtt.NewClientOptions().
		AddBroker("tcp://" + cfg.MQTT.Host).
		SetClientID("chanbridge").
		SetAutoReconnect(true)
	client := mqtt.NewClient(mqttOpts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("connect to bus: %w", token.Error())
	}
	defer client.Disconnect(250)

	var sess *session.Session
	pg := pager.New(
		func(channel, text string) {
			if err := sess.PrivMsg(channel, text); err != nil {
				log.WithError(err).Warn("bridge: pager privmsg failed")
			}
		},
		func(channel, text string) {
			if err := sess.Notice(channel, text); err != nil {
				log.WithError(err).Warn("bridge: pager notice failed")
			}
		},
	)

	forwarder := &busForwarder{}
	pipeline := dispatch.New(cfg.IRC.Prefix, cfg.IRC.Nick, acls, reg, pg, nil, forwarder, log)

	ircCfg := session.Config{
		Host:      cfg.IRC.Host,
		Port:      cfg.IRC.Port,
		Nick:      cfg.IRC.Nick,
		Password:  cfg.IRC.Password,
		Channels:  cfg.IRC.Channels,
		OwnerNick: cfg.IRC.Nick,
		Prefix:    cfg.IRC.Prefix,
	}
	sess = session.New(ircCfg, pipeline, forwarder, log)
	pipeline.Users = sess

	busBridge := bus.New(client, cfg.MQTT.Prefix, &ircActionsAdapter{s: sess}, log, func(payload string) {
		handleRegistration(reg, payload, log)
	}, sess.Topics)
	forwarder.target = busBridge

	if err := busBridge.Start(); err != nil {
		return fmt.Errorf("start bus bridge: %w", err)
	}
	busBridge.AnnounceStartup(map[string]string{"prefix": string(cfg.IRC.Prefix)})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stop := make(chan struct{})
	defer close(stop)

	go reg.Janitor(janitorInterval, stop, func(evicted []string) {
		log.WithField("evicted", evicted).Info("bridge: plugin registry evicted stale entries")
	})
	go busBridge.StartTopicAnnouncer(topicAnnounceInterval, stop)

	prober := dbprobe.New(db, log, func(err error) {
		log.WithError(err).Warn("bridge: database probe failed")
	})
	go prober.Run(ctx)

	httpServer := &http.Server{
		Addr:    httpAddr,
		Handler: httpapi.New(registryView{reg}, sess, log).Handler(),
	}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("bridge: http server stopped")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("bridge: shutting down")
		cancel()
		sess.Close()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		httpServer.Shutdown(shutdownCtx)
	}()

	for {
		if err := sess.Run(ctx); err != nil {
			log.WithError(err).Warn("bridge: session ended, reconnecting")
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(reconnectDelay):
		}
	}
}

// handleRegistration parses a `to/bot/register` payload
// (`cmd=…|descr=…|agrp=…|athr=…|loc=…`) and upserts it into the
// registry, per spec.md §4.6.
func handleRegistration(reg *registry.Registry, payload string, log *logrus.Entry) {
	fields := parseKeyValuePipe(payload)
	cmd, ok := fields["cmd"]
	if !ok || cmd == "" {
		log.WithField("payload", payload).Warn("bridge: plugin registration missing cmd")
		return
	}
	if ok := reg.Register(cmd, fields["descr"], fields["agrp"], fields["athr"], fields["loc"], time.Now()); !ok {
		log.WithField("cmd", cmd).Warn("bridge: plugin registration refused, command is hardcoded")
	}
}

// parseKeyValuePipe splits a "k=v|k=v|..." payload into a map, per
// spec.md §4.6's registration wire format.
func parseKeyValuePipe(s string) map[string]string {
	out := make(map[string]string)
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == '|' {
			kv := s[start:i]
			for j := 0; j < len(kv); j++ {
				if kv[j] == '=' {
					out[kv[:j]] = kv[j+1:]
					break
				}
			}
			start = i + 1
		}
	}
	return out
}

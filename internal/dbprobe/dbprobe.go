// Package dbprobe keeps a *sql.DB connection alive across the long idle
// stretches an IRC bridge sits through, grounded on the keepalive probe
// in the original's `dbi` class: a periodic SELECT that forces a
// reconnect if the driver's connection has gone stale.
package dbprobe

import (
	"context"
	"database/sql"
	"time"

	"github.com/sirupsen/logrus"
)

// Interval is the probe cadence from spec.md §5.
const Interval = 29 * time.Second

// Prober runs a keepalive query against a *sql.DB on a fixed cadence.
type Prober struct {
	db     *sql.DB
	log    *logrus.Entry
	onFail func(error)
}

// New creates a Prober. onFail, if non-nil, is invoked whenever a probe
// fails (database/sql transparently reconnects via the driver on the
// next query, so the caller's role is observability, not reconnection
// logic).
func New(db *sql.DB, log *logrus.Entry, onFail func(error)) *Prober {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Prober{db: db, log: log, onFail: onFail}
}

// Run probes on Interval until ctx is done.
func (p *Prober) Run(ctx context.Context) {
	ticker := time.NewTicker(Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.probe(ctx)
		}
	}
}

func (p *Prober) probe(ctx context.Context) {
	qctx, cancel := context.WithTimeout(ctx, Interval)
	defer cancel()

	var now, version string
	err := p.db.QueryRowContext(qctx, `SELECT NOW(), VERSION()`).Scan(&now, &version)
	if err != nil {
		p.log.WithError(err).Warn("dbprobe: keepalive probe failed, relying on driver reconnect")
		if p.onFail != nil {
			p.onFail(err)
		}
		return
	}
	p.log.WithFields(logrus.Fields{"server_time": now, "version": version}).Debug("dbprobe: keepalive ok")
}

// Package aclstore implements the ACL and alias/define persistence layer
// of spec.md §3/§4.5 over database/sql, driven by MySQL
// (github.com/go-sql-driver/mysql) the way the original's `dbi`/ghbot
// classes drove MySQLdb.
package aclstore

import (
	"context"
	"database/sql"
	"math/rand"
	"strings"

	"github.com/pkg/errors"
)

// Store wraps a *sql.DB with the narrow set of ACL/alias operations the
// dispatch pipeline and built-in commands need. Every lookup lowercases
// both command and identity, per spec.md §3.
type Store struct {
	db *sql.DB
}

// New wraps an already-open database handle.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Schema is the minimum DDL from spec.md §6. Nothing in this repository
// executes it (cmd/bridge does not either); the tables must exist before
// the bridge starts.
const Schema = `
CREATE TABLE IF NOT EXISTS acls (
	command VARCHAR(64) NOT NULL,
	who VARCHAR(128) NOT NULL
);
CREATE TABLE IF NOT EXISTS acl_groups (
	group_name VARCHAR(64) NOT NULL,
	who VARCHAR(128) NOT NULL
);
CREATE TABLE IF NOT EXISTS aliasses (
	nr INT AUTO_INCREMENT PRIMARY KEY,
	command VARCHAR(64) NOT NULL,
	is_command TINYINT NOT NULL,
	replacement_text TEXT NOT NULL
);
`

// Check evaluates spec.md §4.5 steps 3-5 against the ACL tables given
// who (a full nick!user@host identity) and cmd. requiredGroup is the
// group snapshotted from the plugin registry by the caller *before*
// calling Check, so that no database call happens while the registry
// lock is held (spec.md §9's mutex-held-across-I/O fix).
func (s *Store) Check(ctx context.Context, who, cmd, requiredGroup string) (bool, error) {
	who = strings.ToLower(who)
	cmd = strings.ToLower(cmd)

	var n int

	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM acls WHERE command=? AND who=?`, cmd, who).Scan(&n)
	if err != nil {
		return false, errors.Wrap(err, "aclstore: direct grant lookup")
	}
	if n >= 1 {
		return true, nil
	}

	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM acls a JOIN acl_groups g ON g.group_name=a.who WHERE g.who=? AND a.command=?`,
		who, cmd).Scan(&n)
	if err != nil {
		return false, errors.Wrap(err, "aclstore: group grant lookup")
	}
	if n >= 1 {
		return true, nil
	}

	if requiredGroup == "" {
		return false, nil
	}

	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM acl_groups WHERE group_name=? AND who=?`,
		strings.ToLower(requiredGroup), who).Scan(&n)
	if err != nil {
		return false, errors.Wrap(err, "aclstore: membership lookup")
	}
	return n >= 1, nil
}

// AddACL grants cmd to who (a nick!user@host identity or a group name).
func (s *Store) AddACL(ctx context.Context, who, cmd string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO acls(command, who) VALUES (?, ?)`, strings.ToLower(cmd), strings.ToLower(who))
	return errors.Wrap(err, "aclstore: add acl")
}

// DelACL revokes one grant of cmd from who. It reports ErrNotFound if no
// row matched.
func (s *Store) DelACL(ctx context.Context, who, cmd string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM acls WHERE command=? AND who=? LIMIT 1`, strings.ToLower(cmd), strings.ToLower(who))
	if err != nil {
		return errors.Wrap(err, "aclstore: del acl")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "aclstore: del acl rowcount")
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ForgetACLs removes every acls/acl_groups row for nick (matched as
// "nick!%"). It rejects a nick containing '%' to avoid a wildcard wipe.
func (s *Store) ForgetACLs(ctx context.Context, nick string) error {
	if strings.Contains(nick, "%") {
		return errors.New("aclstore: nick must not contain '%'")
	}
	pattern := strings.ToLower(nick) + "!%"

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "aclstore: forget acls begin")
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM acls WHERE who LIKE ?`, pattern); err != nil {
		return errors.Wrap(err, "aclstore: forget acls (acls)")
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM acl_groups WHERE who LIKE ?`, pattern); err != nil {
		return errors.Wrap(err, "aclstore: forget acls (acl_groups)")
	}
	return errors.Wrap(tx.Commit(), "aclstore: forget acls commit")
}

// CloneACLs copies every group membership of fromIdentity onto
// toIdentity. Per spec.md §9's recorded Open Question, this
// intentionally clones only group memberships, not per-user acls rows —
// preserving the original's (arguably mislabeled) behavior rather than
// silently changing it; see DESIGN.md.
func (s *Store) CloneACLs(ctx context.Context, fromIdentity, toIdentity string) error {
	fromIdentity = strings.ToLower(fromIdentity)
	toIdentity = strings.ToLower(toIdentity)
	rows, err := s.db.QueryContext(ctx,
		`SELECT group_name FROM acl_groups WHERE who=?`, fromIdentity)
	if err != nil {
		return errors.Wrap(err, "aclstore: clone acls select")
	}
	defer rows.Close()

	var groups []string
	for rows.Next() {
		var g string
		if err := rows.Scan(&g); err != nil {
			return errors.Wrap(err, "aclstore: clone acls scan")
		}
		groups = append(groups, g)
	}
	if err := rows.Err(); err != nil {
		return errors.Wrap(err, "aclstore: clone acls rows")
	}

	for _, g := range groups {
		if _, err := s.db.ExecContext(ctx,
			`INSERT INTO acl_groups(group_name, who) VALUES (?, ?)`, g, toIdentity); err != nil {
			return errors.Wrapf(err, "aclstore: clone acls insert group %q", g)
		}
	}
	return nil
}

// UpdateACLs rewrites the `who` column for every row matching
// "nick!%" to newIdentity — used by `meet` when a known user reappears
// with a new host.
func (s *Store) UpdateACLs(ctx context.Context, nick, newIdentity string) error {
	pattern := strings.ToLower(nick) + "!%"

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "aclstore: update acls begin")
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `UPDATE acls SET who=? WHERE who LIKE ?`, newIdentity, pattern); err != nil {
		return errors.Wrap(err, "aclstore: update acls (acls)")
	}
	if _, err := tx.ExecContext(ctx, `UPDATE acl_groups SET who=? WHERE who LIKE ?`, newIdentity, pattern); err != nil {
		return errors.Wrap(err, "aclstore: update acls (acl_groups)")
	}
	return errors.Wrap(tx.Commit(), "aclstore: update acls commit")
}

// GroupAdd adds who to group.
func (s *Store) GroupAdd(ctx context.Context, who, group string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO acl_groups(who, group_name) VALUES (?, ?)`, strings.ToLower(who), strings.ToLower(group))
	return errors.Wrap(err, "aclstore: group add")
}

// GroupDel removes who from group. It reports ErrNotFound if no row
// matched.
func (s *Store) GroupDel(ctx context.Context, who, group string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM acl_groups WHERE who=? AND group_name=? LIMIT 1`, strings.ToLower(who), strings.ToLower(group))
	if err != nil {
		return errors.Wrap(err, "aclstore: group del")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "aclstore: group del rowcount")
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// IsGroup reports whether name is a known group.
func (s *Store) IsGroup(ctx context.Context, name string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM acl_groups WHERE group_name=? LIMIT 1`, strings.ToLower(name)).Scan(&n)
	if err != nil {
		return false, errors.Wrap(err, "aclstore: is group")
	}
	return n >= 1, nil
}

// ListACLs returns the union of commands directly granted to who and the
// groups who belongs to, distinct and ordered.
func (s *Store) ListACLs(ctx context.Context, who string) ([]string, error) {
	who = strings.ToLower(who)
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT item FROM (
			SELECT command AS item FROM acls WHERE who=?
			UNION
			SELECT group_name AS item FROM acl_groups WHERE who=?
		) AS combined ORDER BY item`, who, who)
	if err != nil {
		return nil, errors.Wrap(err, "aclstore: list acls")
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var item string
		if err := rows.Scan(&item); err != nil {
			return nil, errors.Wrap(err, "aclstore: list acls scan")
		}
		out = append(out, item)
	}
	return out, errors.Wrap(rows.Err(), "aclstore: list acls rows")
}

// CommandsForGroup returns every command directly granted to a group
// (used by `showgroup commands`).
func (s *Store) CommandsForGroup(ctx context.Context, group string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT command FROM acls WHERE who=?`, strings.ToLower(group))
	if err != nil {
		return nil, errors.Wrap(err, "aclstore: commands for group")
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var cmd string
		if err := rows.Scan(&cmd); err != nil {
			return nil, errors.Wrap(err, "aclstore: commands for group scan")
		}
		out = append(out, cmd)
	}
	return out, errors.Wrap(rows.Err(), "aclstore: commands for group rows")
}

// MembersOfGroup returns every identity belonging to group (used by
// `showgroup members`).
func (s *Store) MembersOfGroup(ctx context.Context, group string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT who FROM acl_groups WHERE group_name=?`, strings.ToLower(group))
	if err != nil {
		return nil, errors.Wrap(err, "aclstore: members of group")
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var who string
		if err := rows.Scan(&who); err != nil {
			return nil, errors.Wrap(err, "aclstore: members of group scan")
		}
		out = append(out, who)
	}
	return out, errors.Wrap(rows.Err(), "aclstore: members of group rows")
}

// DistinctGrantees returns every distinct `who` value in acls, used by
// `listgroups` to surface sysop-defined groups (a group name reused as
// the `who` of a command grant).
func (s *Store) DistinctGrantees(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT who FROM acls`)
	if err != nil {
		return nil, errors.Wrap(err, "aclstore: distinct grantees")
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var who string
		if err := rows.Scan(&who); err != nil {
			return nil, errors.Wrap(err, "aclstore: distinct grantees scan")
		}
		out = append(out, who)
	}
	return out, errors.Wrap(rows.Err(), "aclstore: distinct grantees rows")
}

// ErrNotFound is returned by deletion operations that affected no rows.
var ErrNotFound = errors.New("aclstore: not known")

// Alias is one row of the aliasses table.
type Alias struct {
	Nr              int64
	Command         string
	IsCommand       bool
	ReplacementText string
}

// AddDefine inserts an alias (isCommand=true) or define (isCommand=false)
// and returns its row number.
func (s *Store) AddDefine(ctx context.Context, command string, isCommand bool, replacement string) (int64, error) {
	var flag int
	if isCommand {
		flag = 1
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO aliasses(command, is_command, replacement_text) VALUES (?, ?, ?)`,
		strings.ToLower(command), flag, replacement)
	if err != nil {
		return 0, errors.Wrap(err, "aclstore: add define")
	}
	return res.LastInsertId()
}

// DelDefine deletes alias/define number nr.
func (s *Store) DelDefine(ctx context.Context, nr int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM aliasses WHERE nr=?`, nr)
	if err != nil {
		return errors.Wrap(err, "aclstore: del define")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "aclstore: del define rowcount")
	}
	if n != 1 {
		return ErrNotFound
	}
	return nil
}

// SearchDefine returns every alias/define whose command name contains
// what, ordered most-recent-first.
func (s *Store) SearchDefine(ctx context.Context, what string) ([]Alias, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT nr, command, is_command, replacement_text FROM aliasses WHERE command LIKE ? ORDER BY nr DESC`,
		"%"+strings.ToLower(what)+"%")
	if err != nil {
		return nil, errors.Wrap(err, "aclstore: search define")
	}
	defer rows.Close()

	var out []Alias
	for rows.Next() {
		var a Alias
		var isCmd int
		if err := rows.Scan(&a.Nr, &a.Command, &isCmd, &a.ReplacementText); err != nil {
			return nil, errors.Wrap(err, "aclstore: search define scan")
		}
		a.IsCommand = isCmd != 0
		out = append(out, a)
	}
	return out, errors.Wrap(rows.Err(), "aclstore: search define rows")
}

// LookupAlias returns one random alias/define matching command, as
// spec.md §4.3's alias expansion requires ("ORDER BY RAND() LIMIT 1" in
// the original). found is false if no row matched.
func (s *Store) LookupAlias(ctx context.Context, command string) (a Alias, found bool, err error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT nr, is_command, replacement_text FROM aliasses WHERE command=?`, strings.ToLower(command))
	if err != nil {
		return Alias{}, false, errors.Wrap(err, "aclstore: lookup alias")
	}
	defer rows.Close()

	var candidates []Alias
	for rows.Next() {
		var c Alias
		var isCmd int
		if scanErr := rows.Scan(&c.Nr, &isCmd, &c.ReplacementText); scanErr != nil {
			return Alias{}, false, errors.Wrap(scanErr, "aclstore: lookup alias scan")
		}
		c.IsCommand = isCmd != 0
		c.Command = command
		candidates = append(candidates, c)
	}
	if err := rows.Err(); err != nil {
		return Alias{}, false, errors.Wrap(err, "aclstore: lookup alias rows")
	}
	if len(candidates) == 0 {
		return Alias{}, false, nil
	}
	return candidates[rand.Intn(len(candidates))], true, nil
}

package dispatch

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/chanbridge/bridge/internal/registry"
)

// installBuiltins populates the hardcoded command table, matching the
// registration block in ghbot.py's __init__ (name, description, ACL
// group) and wires each one to its handler in p.builtins.
func (p *Pipeline) installBuiltins() {
	type def struct {
		descr string
		group string
		fn    CommandFunc
	}

	defs := map[string]def{
		"addacl":       {"Add an ACL, format: addacl user|group <user|group> group|cmd <group-name|cmd-name>", "sysops", p.cmdAddACL},
		"delacl":       {"Remove an ACL, format: delacl <user> group|cmd <group-name|cmd-name>", "sysops", p.cmdDelACL},
		"listacls":     {"List all ACLs for a user or group", "sysops", p.cmdListACLs},
		"deluser":      {"Forget a person; removes all ACLs for that nick", "sysops", p.cmdDelUser},
		"clone":        {"Clone ACLs from one user to another", "sysops", p.cmdClone},
		"meet":         {"Use this when a user (nick) has a new hostname", "sysops", p.cmdMeet},
		"commands":     {"Show list of known commands", "", p.cmdCommands},
		"help":         {"Help for commands, parameter is the command to get help for", "", p.cmdHelp},
		"more":         {"Continue outputting a too long line of text", "", p.cmdMore},
		"define":       {"Define a replacement for text, see ~alias", "", p.cmdDefine},
		"deldefine":    {"Delete a define (by number)", "", p.cmdDelDefine},
		"alias":        {"Add a different name for a command", "", p.cmdDefine},
		"searchdefine": {"Search for defines", "", p.cmdSearchDefine},
		"searchalias":  {"Search for aliases", "", p.cmdSearchDefine},
		"viewalias":    {"View a single alias or define by number", "", p.cmdViewAlias},
		"listgroups":   {"Shows a list of available groups", "sysops", p.cmdListGroups},
		"showgroup":    {"Shows a list of commands or members in a group (showgroup commands|members <groupname>)", "sysops", p.cmdShowGroup},
		"apro":         {"Show commands that match a partial text", "", p.cmdApro},
		"reloadlp":     {"Deprecated: local plugins are replaced by bus-based registration; this is a no-op", "sysops", p.cmdLocalPluginsGone},
		"listlp":       {"Deprecated: local plugins are replaced by bus-based registration; this is a no-op", "sysops", p.cmdLocalPluginsGone},
		"showlp":       {"Deprecated: local plugins are replaced by bus-based registration; this is a no-op", "sysops", p.cmdLocalPluginsGone},
		"loadlp":       {"Deprecated: local plugins are replaced by bus-based registration; this is a no-op", "sysops", p.cmdLocalPluginsGone},
	}

	p.builtins = make(map[string]CommandFunc, len(defs))
	now := time.Now()
	for name, d := range defs {
		p.Registry.RegisterHardcoded(name, registry.Entry{
			Description:   d.descr,
			RequiredGroup: d.group,
			RegisteredAt:  now,
			Author:        "bridge",
			Location:      "built-in",
		})
		p.builtins[name] = d.fn
	}
}

// resolveIdentity mirrors invoke_internal_commands's identifier
// resolution: a known nick, a full nick!user@host, or a group name.
func (p *Pipeline) resolveIdentity(ctx context.Context, token string) (identity string, known bool) {
	if id, ok := p.Users.Lookup(token); ok && id != "?" {
		return id, true
	}
	if strings.Contains(token, "!") {
		return token, true
	}
	if isGrp, err := p.ACLs.IsGroup(ctx, token); err == nil && isGrp {
		return token, true
	}
	return "", false
}

func findFlag(args []string, key string) (value string, ok bool) {
	for i, a := range args {
		if a == key && i+1 < len(args) {
			return args[i+1], true
		}
	}
	return "", false
}

func (p *Pipeline) cmdAddACL(ctx context.Context, iv *Invocation) Outcome {
	if len(iv.Args) < 3 {
		p.sendError(iv.Channel, "Usage: addacl user|group <user|group> group|cmd <group-name|cmd-name>")
		return Error
	}
	target := iv.Args[2]
	identity, known := p.resolveIdentity(ctx, target)
	if !known && iv.Args[1] == "user" {
		identity, known = p.Users.InvokeWhoAndWait(target)
	}
	if !known {
		identity = target
	}

	if group, ok := findFlag(iv.Args, "group"); ok {
		if err := p.ACLs.GroupAdd(ctx, identity, group); err != nil {
			p.sendError(iv.Channel, fmt.Sprintf("Failed to add %s to group %s: %s", identity, group, err))
			return Error
		}
		p.sendOK(iv.Channel, fmt.Sprintf("User %s added to group %s", identity, group))
		return Handled
	}
	if cmd, ok := findFlag(iv.Args, "cmd"); ok {
		if _, known := p.Registry.Lookup(cmd); !known {
			p.sendError(iv.Channel, fmt.Sprintf("ACL added for user %s for command %s NOT added: command/plugin not known", identity, cmd))
			return Handled
		}
		if err := p.ACLs.AddACL(ctx, identity, cmd); err != nil {
			p.sendError(iv.Channel, "Failed to add ACL - did it exist already?")
			return Error
		}
		p.sendOK(iv.Channel, fmt.Sprintf("ACL added for user or group %s for command %s", identity, cmd))
		return Handled
	}
	p.sendError(iv.Channel, "Usage: addacl user|group <user|group> group|cmd <group-name|cmd-name>")
	return Error
}

func (p *Pipeline) cmdDelACL(ctx context.Context, iv *Invocation) Outcome {
	if len(iv.Args) < 3 {
		p.sendError(iv.Channel, "Usage: delacl <user> group|cmd <group-name|cmd-name>")
		return Error
	}
	target := iv.Args[1]
	identity, known := p.resolveIdentity(ctx, target)
	if !known {
		identity = target
	}

	if group, ok := findFlag(iv.Args, "group"); ok {
		if err := p.ACLs.GroupDel(ctx, identity, group); err != nil {
			p.sendError(iv.Channel, fmt.Sprintf("Failed to remove %s from group %s: %s", identity, group, err))
			return Error
		}
		p.sendOK(iv.Channel, fmt.Sprintf("User %s removed from group %s", identity, group))
		return Handled
	}
	if cmd, ok := findFlag(iv.Args, "cmd"); ok {
		if err := p.ACLs.DelACL(ctx, identity, cmd); err != nil {
			p.sendError(iv.Channel, fmt.Sprintf("ACL removed for user %s for command %s failed: %s", identity, cmd, err))
			return Error
		}
		p.sendOK(iv.Channel, fmt.Sprintf("ACL removed for user %s for command %s", identity, cmd))
		return Handled
	}
	p.sendError(iv.Channel, "Usage: delacl <user> group|cmd <group-name|cmd-name>")
	return Error
}

func (p *Pipeline) cmdListACLs(ctx context.Context, iv *Invocation) Outcome {
	if len(iv.Args) < 2 {
		p.sendError(iv.Channel, "Please provide a nick")
		return Error
	}
	target := iv.Args[1]
	identity, known := p.resolveIdentity(ctx, target)
	if !known {
		identity, known = p.Users.InvokeWhoAndWait(target)
	}
	if !known {
		p.sendError(iv.Channel, "Please provide a nick")
		return Error
	}

	acls, err := p.ACLs.ListACLs(ctx, identity)
	if err != nil {
		p.sendError(iv.Channel, fmt.Sprintf("listacls: %s", err))
		return Error
	}
	p.sendOK(iv.Channel, fmt.Sprintf("ACLs for user %s: %q", identity, strings.Join(acls, ", ")))
	return Handled
}

func (p *Pipeline) cmdDelUser(ctx context.Context, iv *Invocation) Outcome {
	if len(iv.Args) != 2 {
		p.sendError(iv.Channel, "User not specified")
		return Handled
	}
	user := iv.Args[1]
	if strings.Contains(user, "%") {
		p.sendError(iv.Channel, fmt.Sprintf("User %s not known or some other error", user))
		return Handled
	}
	if err := p.ACLs.ForgetACLs(ctx, user); err != nil {
		p.sendError(iv.Channel, fmt.Sprintf("User %s not known or some other error", user))
		return Handled
	}
	p.sendOK(iv.Channel, fmt.Sprintf("User %s forgotten", user))
	return Handled
}

func (p *Pipeline) cmdClone(ctx context.Context, iv *Invocation) Outcome {
	if len(iv.Args) != 3 {
		p.sendError(iv.Channel, `User "from" and/or "to" not specified`)
		return Handled
	}
	from, to := iv.Args[1], iv.Args[2]
	fromUser, fromKnown := p.resolveNickIdentity(from)
	toUser, toKnown := p.resolveNickIdentity(to)
	if !fromKnown {
		fromUser, fromKnown = p.Users.InvokeWhoAndWait(bareNick(from))
	}
	if !toKnown {
		toUser, toKnown = p.Users.InvokeWhoAndWait(bareNick(to))
	}
	if !fromKnown || !toKnown {
		p.sendError(iv.Channel, fmt.Sprintf("Either %s or %s is unknown", from, to))
		return Handled
	}
	if err := p.ACLs.CloneACLs(ctx, fromUser, toUser); err != nil {
		p.sendError(iv.Channel, fmt.Sprintf("Cannot clone %s to %s: %s", from, to, err))
		return Handled
	}
	p.sendOK(iv.Channel, fmt.Sprintf("User %s cloned (to %s)", from, to))
	return Handled
}

func (p *Pipeline) resolveNickIdentity(token string) (string, bool) {
	nick := bareNick(token)
	return p.Users.Lookup(nick)
}

func bareNick(s string) string {
	if i := strings.IndexByte(s, '!'); i != -1 {
		return s[:i]
	}
	return s
}

func (p *Pipeline) cmdMeet(ctx context.Context, iv *Invocation) Outcome {
	if len(iv.Args) != 2 {
		p.sendError(iv.Channel, fmt.Sprintf("Meet parameter missing (%v given)", iv.Args))
		return Error
	}
	nick := iv.Args[1]
	identity, known := p.Users.InvokeWhoAndWait(nick)
	if !known {
		p.sendError(iv.Channel, fmt.Sprintf("User %s is not known", nick))
		return Error
	}
	if err := p.ACLs.UpdateACLs(ctx, nick, identity); err != nil {
		p.sendError(iv.Channel, fmt.Sprintf("meet: %s", err))
		return Error
	}
	p.sendOK(iv.Channel, fmt.Sprintf("User %s updated to %s", nick, identity))
	return Handled
}

func (p *Pipeline) cmdCommands(ctx context.Context, iv *Invocation) Outcome {
	p.sendOK(iv.Channel, fmt.Sprintf("Known commands: %s", strings.Join(p.Registry.List(), ", ")))
	return Handled
}

func (p *Pipeline) cmdHelp(ctx context.Context, iv *Invocation) Outcome {
	if len(iv.Args) == 2 {
		cmd := iv.Args[1]
		e, known := p.Registry.Lookup(cmd)
		if !known {
			p.sendError(iv.Channel, "Command/plugin not known")
			return Handled
		}
		group := e.RequiredGroup
		if group == "" {
			group = "(none)"
		}
		p.sendOK(iv.Channel, fmt.Sprintf("%s (group: %s)", e.Description, group))
		return Handled
	}
	p.sendOK(iv.Channel, fmt.Sprintf("Known commands: %s", strings.Join(p.Registry.List(), ", ")))
	return Handled
}

func (p *Pipeline) cmdMore(ctx context.Context, iv *Invocation) Outcome {
	p.Pager.More(iv.Channel)
	return Handled
}

func (p *Pipeline) cmdDefine(ctx context.Context, iv *Invocation) Outcome {
	command := iv.Args[0]
	if len(iv.Args) < 3 {
		p.sendError(iv.Channel, fmt.Sprintf("%s missing arguments", command))
		return Error
	}
	target := iv.Args[1]
	if _, known := p.Registry.Lookup(target); known {
		p.sendError(iv.Channel, "Cannot override internal/plugin commands")
		return Error
	}
	nr, err := p.ACLs.AddDefine(ctx, target, command == "alias", strings.Join(iv.Args[2:], " "))
	if err != nil {
		p.sendError(iv.Channel, fmt.Sprintf("Failed to add %s", command))
		return Error
	}
	p.sendOK(iv.Channel, fmt.Sprintf("%s added (number: %d)", command, nr))
	return Handled
}

func (p *Pipeline) cmdDelDefine(ctx context.Context, iv *Invocation) Outcome {
	if len(iv.Args) != 2 {
		p.sendError(iv.Channel, fmt.Sprintf("%s missing arguments", iv.Args[0]))
		return Error
	}
	nr, err := strconv.ParseInt(iv.Args[1], 10, 64)
	if err != nil {
		p.sendError(iv.Channel, fmt.Sprintf("Parameter %s is not a number", iv.Args[1]))
		return Error
	}
	if err := p.ACLs.DelDefine(ctx, nr); err != nil {
		p.sendError(iv.Channel, fmt.Sprintf("Failed to delete %d", nr))
		return Error
	}
	p.sendOK(iv.Channel, fmt.Sprintf("Define %d deleted", nr))
	return Handled
}

func (p *Pipeline) cmdSearchDefine(ctx context.Context, iv *Invocation) Outcome {
	command := iv.Args[0]
	if len(iv.Args) < 2 {
		p.sendError(iv.Channel, fmt.Sprintf("%s missing arguments", command))
		return Error
	}
	found, err := p.ACLs.SearchDefine(ctx, iv.Args[1])
	if err != nil || len(found) == 0 {
		p.sendError(iv.Channel, "None found")
		return Handled
	}
	parts := make([]string, len(found))
	for i, a := range found {
		parts[i] = fmt.Sprintf("%s: %d", a.Command, a.Nr)
	}
	p.sendOK(iv.Channel, strings.Join(parts, ", "))
	return Handled
}

func (p *Pipeline) cmdViewAlias(ctx context.Context, iv *Invocation) Outcome {
	if len(iv.Args) != 2 {
		p.sendError(iv.Channel, "viewalias missing arguments")
		return Error
	}
	nr, err := strconv.ParseInt(iv.Args[1], 10, 64)
	if err != nil {
		p.sendError(iv.Channel, fmt.Sprintf("Parameter %s is not a number", iv.Args[1]))
		return Error
	}
	found, err := p.ACLs.SearchDefine(ctx, "")
	if err != nil {
		p.sendError(iv.Channel, "None found")
		return Handled
	}
	for _, a := range found {
		if a.Nr == nr {
			p.sendOK(iv.Channel, fmt.Sprintf("%s (%d): %s", a.Command, a.Nr, a.ReplacementText))
			return Handled
		}
	}
	p.sendError(iv.Channel, fmt.Sprintf("No alias/define numbered %d", nr))
	return Handled
}

func (p *Pipeline) cmdListGroups(ctx context.Context, iv *Invocation) Outcome {
	set := map[string]struct{}{}
	grantees, err := p.ACLs.DistinctGrantees(ctx)
	if err != nil {
		p.sendError(iv.Channel, fmt.Sprintf("listgroups: %s", err))
		return Error
	}
	for _, g := range grantees {
		set[g] = struct{}{}
	}
	for _, e := range p.Registry.Snapshot() {
		if e.RequiredGroup != "" {
			set[e.RequiredGroup] = struct{}{}
		}
	}
	if len(set) == 0 {
		p.sendOK(iv.Channel, "Defined groups: (none)")
		return Handled
	}
	names := make([]string, 0, len(set))
	for g := range set {
		names = append(names, g)
	}
	sort.Strings(names)
	p.sendOK(iv.Channel, fmt.Sprintf("Defined groups: %s", strings.Join(names, ", ")))
	return Handled
}

func (p *Pipeline) cmdShowGroup(ctx context.Context, iv *Invocation) Outcome {
	if len(iv.Args) != 3 {
		p.sendError(iv.Channel, "Command is: showgroup members|commands <groupname>")
		return Error
	}
	which, group := strings.ToLower(iv.Args[1]), iv.Args[2]

	switch which {
	case "commands":
		set := map[string]struct{}{}
		cmds, err := p.ACLs.CommandsForGroup(ctx, group)
		if err != nil {
			p.sendError(iv.Channel, fmt.Sprintf("showgroup: %s", err))
			return Error
		}
		for _, c := range cmds {
			set[c] = struct{}{}
		}
		for name, e := range p.Registry.Snapshot() {
			if e.RequiredGroup == group {
				set[name] = struct{}{}
			}
		}
		names := make([]string, 0, len(set))
		for c := range set {
			names = append(names, c)
		}
		sort.Strings(names)
		p.sendOK(iv.Channel, fmt.Sprintf("Commands in group %s: %s", group, strings.Join(names, ", ")))
		return Handled

	case "members":
		members, err := p.ACLs.MembersOfGroup(ctx, group)
		if err != nil {
			p.sendError(iv.Channel, fmt.Sprintf("showgroup: %s", err))
			return Error
		}
		for i, m := range members {
			members[i] = bareNick(m)
		}
		sort.Strings(members)
		p.sendOK(iv.Channel, fmt.Sprintf("Members in group %s: %s", group, strings.Join(members, ", ")))
		return Handled

	default:
		p.sendError(iv.Channel, "Command is: showgroup members|commands <groupname>")
		return Error
	}
}

func (p *Pipeline) cmdApro(ctx context.Context, iv *Invocation) Outcome {
	if len(iv.Args) < 2 {
		p.sendError(iv.Channel, "apro missing search text")
		return Error
	}
	which := strings.ToLower(iv.Args[1])
	set := map[string]struct{}{}
	for _, name := range p.Registry.List() {
		if strings.Contains(name, which) {
			set[name] = struct{}{}
		}
	}
	if len(set) == 0 {
		p.sendOK(iv.Channel, fmt.Sprintf("Nothing matches with %q", which))
		return Handled
	}
	names := make([]string, 0, len(set))
	for n := range set {
		names = append(names, n)
	}
	sort.Strings(names)
	p.sendOK(iv.Channel, "Try one of the following: "+strings.Join(names, ", "))
	return Handled
}

// cmdLocalPluginsGone answers the reloadlp/listlp/showlp/loadlp family.
// Per spec.md §9's redesign note, the dynamic local-plugin loader has no
// place in this process model — plugins register themselves over the
// bus instead — so these commands are kept only as reserved, hardcoded
// names that explain the replacement rather than silently 404ing.
func (p *Pipeline) cmdLocalPluginsGone(ctx context.Context, iv *Invocation) Outcome {
	p.sendOK(iv.Channel, "Local plugin loading has been replaced by bus-based plugin registration; there is nothing to reload here.")
	return Handled
}

package irc

import (
	"strconv"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/hexwell/ircd/logging"
)

// registerCoreCommands fills the dispatch table with the built-in verbs.
func (s *Server) registerCoreCommands() {
	core := []*Command{
		{Name: "NICK", MinParams: 0, PreReg: true, Handler: s.cmdNick},
		{Name: "USER", MinParams: 4, PreReg: true, Handler: s.cmdUser},
		{Name: "PING", MinParams: 1, PreReg: true, Handler: s.cmdPing},
		{Name: "PONG", MinParams: 0, PreReg: true, Handler: s.cmdPong},
		{Name: "QUIT", MinParams: 0, PreReg: true, Handler: s.cmdQuit},
		{Name: "JOIN", MinParams: 1, Handler: s.cmdJoin},
		{Name: "PART", MinParams: 1, Handler: s.cmdPart},
		{Name: "PRIVMSG", MinParams: 2, Handler: s.cmdPrivmsg},
		{Name: "NOTICE", MinParams: 2, Handler: s.cmdNotice},
		{Name: "MODE", MinParams: 1, Handler: s.cmdMode},
		{Name: "TOPIC", MinParams: 1, Handler: s.cmdTopic},
		{Name: "NAMES", MinParams: 1, Handler: s.cmdNames},
		{Name: "KICK", MinParams: 2, Handler: s.cmdKick},
		{Name: "AWAY", MinParams: 0, Handler: s.cmdAway},
		{Name: "OPER", MinParams: 2, Handler: s.cmdOper},
		{Name: "USERIP", MinParams: 1, OperOnly: true, Handler: s.cmdUserIP},
		{Name: "REHASH", MinParams: 0, OperOnly: true, Handler: s.cmdRehash},
	}
	for _, cmd := range core {
		if err := s.Commands.Register(cmd); err != nil {
			panic(err) // core verbs are unique by construction
		}
	}
}

func (s *Server) cmdNick(u *User, params []string) CmdResult {
	if len(params) < 1 || params[0] == "" {
		u.SendNumeric(NewNumeric(ERR_NONICKNAMEGIVEN, "No nickname given"))
		return CmdFailure
	}
	nick := params[0]

	if !isValidNickname(nick) {
		u.SendNumeric(NewNumeric(ERR_ERRONEUSNICKNAME, nick, "Erroneous nickname"))
		return CmdFailure
	}
	if other, exists := s.FindUser(nick); exists && other != u {
		s.Stats.Collisions.Inc()
		u.SendNumeric(NewNumeric(ERR_NICKNAMEINUSE, nick, "Nickname is already in use"))
		return CmdFailure
	}

	oldmask := u.Hostmask()
	renaming := u.Registered() && u.nick != nick
	s.changeNick(u, nick)

	if renaming {
		// The user and everyone sharing a channel see the change once.
		line := &Message{Source: oldmask, Command: "NICK", Params: []string{nick}}
		u.SendRaw(line.String())
		seen := map[*User]bool{u: true}
		for c := range u.channels {
			for member := range c.members {
				if !seen[member] {
					seen[member] = true
					member.SendRaw(line.String())
				}
			}
		}
	}

	s.tryRegister(u)
	return CmdSuccess
}

func (s *Server) cmdUser(u *User, params []string) CmdResult {
	if u.Registered() {
		u.SendNumeric(NewNumeric(ERR_ALREADYREGISTRED, "You may not reregister"))
		return CmdFailure
	}
	u.setIdent(params[0], params[3])
	s.tryRegister(u)
	return CmdSuccess
}

func (s *Server) cmdPing(u *User, params []string) CmdResult {
	u.SendCommand("PONG", s.Name(), params[0])
	return CmdSuccess
}

func (s *Server) cmdPong(u *User, params []string) CmdResult {
	return CmdSuccess
}

func (s *Server) cmdQuit(u *User, params []string) CmdResult {
	reason := "Quit"
	if len(params) > 0 && params[0] != "" {
		reason = params[0]
	}
	s.QuitUser(u, reason)
	return CmdSuccess
}

func (s *Server) cmdJoin(u *User, params []string) CmdResult {
	names := strings.Split(params[0], ",")
	var keys []string
	if len(params) > 1 {
		keys = strings.Split(params[1], ",")
	}

	result := CmdFailure
	for i, name := range names {
		if !isValidChannelName(name) {
			u.SendNumeric(NoSuchChannel(name))
			continue
		}
		key := ""
		if i < len(keys) {
			key = keys[i]
		}

		c := s.getOrCreateChannel(name)
		if c.Membership(u) != nil {
			continue
		}
		if c.Modes.InviteOnly {
			u.SendNumeric(NewNumeric(ERR_INVITEONLYCHAN, c.name, "Cannot join channel (+i)"))
			s.reapChannel(c)
			continue
		}
		if c.Modes.Key != "" && key != c.Modes.Key {
			u.SendNumeric(NewNumeric(ERR_BADCHANNELKEY, c.name, "Cannot join channel (+k)"))
			s.reapChannel(c)
			continue
		}
		if c.Modes.Limit > 0 && c.Len() >= c.Modes.Limit {
			u.SendNumeric(NewNumeric(ERR_CHANNELISFULL, c.name, "Cannot join channel (+l)"))
			s.reapChannel(c)
			continue
		}

		c.join(u)
		c.Broadcast(u, "JOIN", false, c.name)

		if c.topic != "" {
			u.SendNumeric(NewNumeric(RPL_TOPIC, c.name, c.topic))
		}
		s.sendNames(u, c)
		result = CmdSuccess
	}
	return result
}

func (s *Server) cmdPart(u *User, params []string) CmdResult {
	reason := ""
	if len(params) > 1 {
		reason = params[1]
	}

	for _, name := range strings.Split(params[0], ",") {
		c, ok := s.FindChannel(name)
		if !ok {
			u.SendNumeric(NoSuchChannel(name))
			continue
		}
		if c.Membership(u) == nil {
			u.SendNumeric(NewNumeric(ERR_NOTONCHANNEL, c.name, "You're not on that channel"))
			continue
		}
		c.Broadcast(u, "PART", false, c.name, reason)
		c.part(u)
		s.reapChannel(c)
	}
	return CmdSuccess
}

func (s *Server) cmdPrivmsg(u *User, params []string) CmdResult {
	return s.deliverMessage(u, params[0], params[1], "PRIVMSG")
}

func (s *Server) cmdNotice(u *User, params []string) CmdResult {
	return s.deliverMessage(u, params[0], params[1], "NOTICE")
}

// deliverMessage routes PRIVMSG and NOTICE; notices never generate error
// numerics per the RFC, so their failures stay silent.
func (s *Server) deliverMessage(u *User, target, text, verb string) CmdResult {
	silent := verb == "NOTICE"

	if strings.HasPrefix(target, "#") || strings.HasPrefix(target, "&") {
		c, ok := s.FindChannel(target)
		if !ok {
			if !silent {
				u.SendNumeric(NoSuchChannel(target))
			}
			return CmdFailure
		}

		what := "messages"
		if strings.HasPrefix(text, "\x01") {
			what = "CTCPs"
		}

		m := c.Membership(u)
		if m == nil && c.Modes.NoExtMsg {
			if !silent {
				u.SendNumeric(CannotSendToChanMode(c.name, what, 'n', modeName('n')))
			}
			return CmdFailure
		}
		if c.Modes.Moderated && (m == nil || (!m.Op && !m.Voice)) {
			if !silent {
				u.SendNumeric(CannotSendToChanMode(c.name, what, 'm', modeName('m')))
			}
			return CmdFailure
		}

		c.Broadcast(u, verb, true, c.name, text)
		return CmdSuccess
	}

	t, ok := s.FindUser(target)
	if !ok {
		if !silent {
			u.SendNumeric(NoSuchNick(target))
		}
		return CmdFailure
	}
	t.SendFrom(u, verb, t.Nick(), text)

	if away, isAway := s.Away.Get(&t.Extensible); isAway && !silent {
		u.SendNumeric(NewNumeric(RPL_AWAY, t.Nick(), away))
	}
	return CmdSuccess
}

func (s *Server) cmdMode(u *User, params []string) CmdResult {
	target := params[0]
	if strings.HasPrefix(target, "#") || strings.HasPrefix(target, "&") {
		return s.channelMode(u, target, params[1:])
	}
	return s.userMode(u, target, params[1:])
}

func (s *Server) userMode(u *User, target string, params []string) CmdResult {
	t, ok := s.FindUser(target)
	if !ok {
		u.SendNumeric(NoSuchNick(target))
		return CmdFailure
	}
	if t != u {
		u.SendNumeric(CannotSendToUser(t.Nick(), "Can't change mode for other users"))
		return CmdFailure
	}
	if len(params) == 0 {
		u.SendNumeric(NewNumeric(RPL_UMODEIS, u.Modes.String()))
		return CmdSuccess
	}

	adding := true
	for _, ch := range params[0] {
		switch ch {
		case '+':
			adding = true
		case '-':
			adding = false
		case 'i':
			u.Modes.Invisible = adding
		case 'w':
			u.Modes.Wallops = adding
		case 'o':
			// Gained only through OPER; dropping it is allowed.
			if !adding {
				u.Modes.Operator = false
			}
		}
	}
	u.SendCommand("MODE", u.Nick(), params[0])
	return CmdSuccess
}

func (s *Server) channelMode(u *User, target string, params []string) CmdResult {
	c, ok := s.FindChannel(target)
	if !ok {
		u.SendNumeric(NoSuchChannel(target))
		return CmdFailure
	}
	if len(params) == 0 {
		u.SendNumeric(NewNumeric(RPL_CHANNELMODE, c.name, c.Modes.String()))
		return CmdSuccess
	}

	m := c.Membership(u)
	if (m == nil || !m.Op) && !u.IsOper() {
		u.SendNumeric(ChanPrivsNeeded(c.name, "change channel modes"))
		return CmdFailure
	}

	modes := params[0]
	args := params[1:]
	nextArg := func() (string, bool) {
		if len(args) == 0 {
			return "", false
		}
		arg := args[0]
		args = args[1:]
		return arg, true
	}

	adding := true
	applied := CmdFailure
	for _, ch := range modes {
		switch ch {
		case '+':
			adding = true
			continue
		case '-':
			adding = false
			continue
		case 'n':
			c.Modes.NoExtMsg = adding
		case 't':
			c.Modes.TopicLock = adding
		case 'm':
			c.Modes.Moderated = adding
		case 'i':
			c.Modes.InviteOnly = adding
		case 'k':
			if adding {
				key, ok := nextArg()
				if !ok || key == "" || strings.ContainsAny(key, " ,") {
					u.SendNumeric(InvalidModeParam(c.name, 'k', key, invalidModeSyntax('k', "<key>")))
					continue
				}
				c.Modes.Key = key
			} else {
				c.Modes.Key = ""
			}
		case 'l':
			if adding {
				arg, ok := nextArg()
				limit, err := strconv.Atoi(arg)
				if !ok || err != nil || limit <= 0 {
					u.SendNumeric(InvalidModeParam(c.name, 'l', arg, invalidModeSyntax('l', "<limit>")))
					continue
				}
				c.Modes.Limit = limit
			} else {
				c.Modes.Limit = 0
			}
		case 'o', 'v':
			nick, ok := nextArg()
			if !ok {
				continue
			}
			t, found := s.FindUser(nick)
			if !found {
				u.SendNumeric(NoSuchNick(nick))
				continue
			}
			tm := c.Membership(t)
			if tm == nil {
				u.SendNumeric(NewNumeric(ERR_USERNOTINCHANNEL, t.Nick(), c.name, "They aren't on that channel"))
				continue
			}
			if ch == 'o' {
				tm.Op = adding
			} else {
				tm.Voice = adding
			}
		default:
			u.SendNumeric(InvalidModeParam(c.name, ch, "", "is not a recognised channel mode."))
			continue
		}
		applied = CmdSuccess
	}

	if applied == CmdSuccess {
		all := append([]string{c.name}, params...)
		c.Broadcast(u, "MODE", false, all...)
	}
	return applied
}

func (s *Server) cmdTopic(u *User, params []string) CmdResult {
	c, ok := s.FindChannel(params[0])
	if !ok {
		u.SendNumeric(NoSuchChannel(params[0]))
		return CmdFailure
	}
	m := c.Membership(u)
	if m == nil {
		u.SendNumeric(NewNumeric(ERR_NOTONCHANNEL, c.name, "You're not on that channel"))
		return CmdFailure
	}

	if len(params) == 1 {
		if c.topic == "" {
			u.SendNumeric(NewNumeric(RPL_NOTOPIC, c.name, "No topic is set"))
		} else {
			u.SendNumeric(NewNumeric(RPL_TOPIC, c.name, c.topic))
		}
		return CmdSuccess
	}

	if c.Modes.TopicLock && !m.Op && !u.IsOper() {
		u.SendNumeric(ChanPrivsNeeded(c.name, "change the topic"))
		return CmdFailure
	}
	c.topic = params[1]
	c.Broadcast(u, "TOPIC", false, c.name, c.topic)
	return CmdSuccess
}

func (s *Server) cmdNames(u *User, params []string) CmdResult {
	for _, name := range strings.Split(params[0], ",") {
		if c, ok := s.FindChannel(name); ok {
			s.sendNames(u, c)
		} else {
			u.SendNumeric(NewNumeric(RPL_ENDOFNAMES, name, "End of NAMES list"))
		}
	}
	return CmdSuccess
}

func (s *Server) sendNames(u *User, c *Channel) {
	u.SendNumeric(NewNumeric(RPL_NAMREPLY, "=", c.name, c.namesList()))
	u.SendNumeric(NewNumeric(RPL_ENDOFNAMES, c.name, "End of NAMES list"))
}

func (s *Server) cmdKick(u *User, params []string) CmdResult {
	c, ok := s.FindChannel(params[0])
	if !ok {
		u.SendNumeric(NoSuchChannel(params[0]))
		return CmdFailure
	}
	m := c.Membership(u)
	if m == nil {
		u.SendNumeric(NewNumeric(ERR_NOTONCHANNEL, c.name, "You're not on that channel"))
		return CmdFailure
	}
	if !m.Op && !u.IsOper() {
		u.SendNumeric(ChanPrivsNeeded(c.name, "kick users"))
		return CmdFailure
	}

	t, found := s.FindUser(params[1])
	if !found || c.Membership(t) == nil {
		u.SendNumeric(NewNumeric(ERR_USERNOTINCHANNEL, params[1], c.name, "They aren't on that channel"))
		return CmdFailure
	}

	reason := "No reason"
	if len(params) > 2 && params[2] != "" {
		reason = params[2]
	}
	c.Broadcast(u, "KICK", false, c.name, t.Nick(), reason)
	c.part(t)
	s.reapChannel(c)
	return CmdSuccess
}

func (s *Server) cmdAway(u *User, params []string) CmdResult {
	if len(params) == 0 || params[0] == "" {
		s.Away.Unset(&u.Extensible)
		u.SendNumeric(NewNumeric(RPL_UNAWAY, "You are no longer marked as being away"))
		return CmdSuccess
	}
	s.Away.Set(&u.Extensible, params[0])
	u.SendNumeric(NewNumeric(RPL_NOWAWAY, "You have been marked as being away"))
	return CmdSuccess
}

func (s *Server) cmdOper(u *User, params []string) CmdResult {
	name, password := params[0], params[1]

	for _, op := range s.Config.Operators {
		if op.Name != name {
			continue
		}
		if bcrypt.CompareHashAndPassword([]byte(op.PasswordHash), []byte(password)) != nil {
			break
		}

		u.Modes.Operator = true
		s.applyOperModes(u)
		u.SendNumeric(NewNumeric(RPL_YOUREOPER, "You are now an IRC operator"))
		u.SendCommand("MODE", u.Nick(), "+o")
		s.Log.Log("OPER", logging.Default, "%s is now an operator (%s)", u.Hostmask(), name)
		s.Hooks.PostOper.Run(u)
		return CmdSuccess
	}

	u.SendNumeric(NewNumeric(ERR_PASSWDMISMATCH, "Password incorrect"))
	return CmdFailure
}

// applyOperModes grants the configured automatic user modes on oper-up.
func (s *Server) applyOperModes(u *User) {
	for _, ch := range s.Config.OperModes {
		switch ch {
		case 'i':
			u.Modes.Invisible = true
		case 'w':
			u.Modes.Wallops = true
		}
	}
}

// cmdUserIP reports nick[*]=+ident@ip for each requested user. The reply is
// local-only, so the handler reports failure to suppress propagation.
func (s *Server) cmdUserIP(u *User, params []string) CmdResult {
	var sb strings.Builder
	for _, nick := range strings.Split(params[0], ",") {
		t, ok := s.FindUser(nick)
		if !ok || !t.Registered() {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteByte(' ')
		}
		sb.WriteString(t.Nick())
		if t.IsOper() {
			sb.WriteByte('*')
		}
		sb.WriteString("=+")
		sb.WriteString(t.ident)
		sb.WriteByte('@')
		sb.WriteString(t.IP())
	}
	u.SendNumeric(NewNumeric(RPL_USERIP, sb.String()))
	return CmdFailure
}

func (s *Server) cmdRehash(u *User, params []string) CmdResult {
	source := s.Config.Source
	if source == "" {
		source = "<defaults>"
	}
	u.SendNumeric(NewNumeric(RPL_REHASHING, source, "Rehashing"))
	if err := s.Rehash(); err != nil {
		s.Log.Log("CONFIG", logging.Default, "Rehash failed: %v", err)
		return CmdFailure
	}
	return CmdSuccess
}

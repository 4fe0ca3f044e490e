package irc

import (
	"errors"
	"fmt"
)

// CmdResult is returned by every command handler. Failure suppresses the
// echo of the command toward linked servers.
type CmdResult int

const (
	CmdSuccess CmdResult = iota
	CmdFailure
)

// Command is one entry in the dispatch table.
type Command struct {
	// Name is the upper-cased verb.
	Name string

	// MinParams is the arity floor; fewer parameters yields
	// ERR_NEEDMOREPARAMS.
	MinParams int

	// OperOnly restricts the command to operators.
	OperOnly bool

	// PreReg allows the command before registration completes.
	PreReg bool

	// Owner names the module that registered the command; empty for core.
	Owner string

	// Handler runs the command.
	Handler func(u *User, params []string) CmdResult
}

// ErrDuplicateCommand rejects a second registration of the same verb.
var ErrDuplicateCommand = errors.New("irc: duplicate command")

// CommandTable is the verb -> handler map.
type CommandTable struct {
	commands map[string]*Command
}

// NewCommandTable creates an empty table.
func NewCommandTable() *CommandTable {
	return &CommandTable{commands: make(map[string]*Command)}
}

// Register adds a command; duplicate verbs fail.
func (t *CommandTable) Register(cmd *Command) error {
	if _, exists := t.commands[cmd.Name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateCommand, cmd.Name)
	}
	t.commands[cmd.Name] = cmd
	return nil
}

// Unregister removes a verb.
func (t *CommandTable) Unregister(name string) {
	delete(t.commands, name)
}

// UnregisterOwned removes every command the named module registered.
func (t *CommandTable) UnregisterOwned(owner string) {
	for name, cmd := range t.commands {
		if cmd.Owner == owner {
			delete(t.commands, name)
		}
	}
}

// Find looks up a verb.
func (t *CommandTable) Find(name string) (*Command, bool) {
	cmd, ok := t.commands[name]
	return cmd, ok
}

// Dispatch parses one already-split line from u and routes it. Order of
// checks: unknown verb, registration state, privilege, arity.
func (s *Server) Dispatch(u *User, line string) CmdResult {
	s.Stats.Recv.Inc()

	msg := ParseMessage(line)
	if msg == nil {
		return CmdFailure
	}
	// A :source from a client connection carries no authority; drop it.
	msg.Source = ""

	cmd, ok := s.Commands.Find(msg.Command)
	if !ok {
		// Unknown commands from unregistered peers are dropped silently;
		// anything else gets the numeric.
		if u.Registered() {
			u.SendNumeric(NewNumeric(ERR_UNKNOWNCOMMAND, msg.Command, "Unknown command"))
		}
		return CmdFailure
	}

	if !cmd.PreReg && !u.Registered() {
		u.SendNumeric(NewNumeric(ERR_NOTREGISTERED, "You have not registered"))
		return CmdFailure
	}

	if cmd.OperOnly && !u.IsOper() {
		u.SendNumeric(NewNumeric(ERR_NOPRIVILEGES, "Permission Denied - You're not an IRC operator"))
		return CmdFailure
	}

	if len(msg.Params) < cmd.MinParams {
		u.SendNumeric(NewNumeric(ERR_NEEDMOREPARAMS, cmd.Name, "Not enough parameters"))
		return CmdFailure
	}

	return cmd.Handler(u, msg.Params)
}

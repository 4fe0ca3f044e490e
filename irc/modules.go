package irc

import (
	"errors"
	"fmt"

	"github.com/hexwell/ircd/dnsresolver"
	"github.com/hexwell/ircd/ext"
	"github.com/hexwell/ircd/logging"
)

// Module is the in-process handle a feature module works through. Everything
// it registers is tagged with its name so unload can tear it all down.
type Module struct {
	Name   string
	server *Server
}

// ErrModuleLoaded rejects loading the same module twice.
var ErrModuleLoaded = errors.New("irc: module already loaded")

// modules tracks what is loaded.
type moduleTable map[string]*Module

// LoadModule runs init with a fresh module handle. If init fails everything
// it managed to register is rolled back.
func (s *Server) LoadModule(name string, init func(*Module) error) (*Module, error) {
	if s.modules == nil {
		s.modules = make(moduleTable)
	}
	if _, loaded := s.modules[name]; loaded {
		return nil, fmt.Errorf("%w: %s", ErrModuleLoaded, name)
	}

	m := &Module{Name: name, server: s}
	if err := init(m); err != nil {
		s.teardownModule(name)
		return nil, fmt.Errorf("irc: loading %s: %w", name, err)
	}
	s.modules[name] = m
	s.Log.Log("MODULE", logging.Default, "Loaded module %s", name)
	return m, nil
}

// UnloadModule removes a module: in-flight resolver consumers get
// ForceUnload, extension values are deleted everywhere, commands and hooks
// disappear.
func (s *Server) UnloadModule(m *Module) {
	delete(s.modules, m.Name)
	s.teardownModule(m.Name)
	s.Log.Log("MODULE", logging.Default, "Unloaded module %s", m.Name)
}

func (s *Server) teardownModule(name string) {
	if s.DNS != nil {
		s.DNS.CleanResolvers(name)
	}
	s.Exts.UnregisterOwned(name)
	s.Commands.UnregisterOwned(name)
	s.Hooks.RemoveOwned(name)
	s.refreshExtensionSnapshot()
}

// RegisterCommand adds a verb owned by this module.
func (m *Module) RegisterCommand(cmd *Command) error {
	cmd.Owner = m.Name
	return m.server.Commands.Register(cmd)
}

// RegisterExtensionItem adds an extension definition owned by this module.
func (m *Module) RegisterExtensionItem(item *ext.ExtensionItem) error {
	item.Owner = m.Name
	if err := m.server.Exts.Register(item); err != nil {
		return err
	}
	m.server.refreshExtensionSnapshot()
	return nil
}

// RegisterResolver binds a DNS consumer; the consumer's Creator must return
// the module name for ForceUnload delivery.
func (m *Module) RegisterResolver(c dnsresolver.Consumer) error {
	if m.server.DNS == nil {
		return dnsresolver.ErrSocketClosed
	}
	return m.server.DNS.AddResolver(c)
}

// Hooks exposes the event surfaces; subscriptions pass the module name as
// owner so unload removes them.
func (m *Module) Hooks() *Hooks { return m.server.Hooks }

// Config returns this module's configuration block.
func (m *Module) Config() (map[string]any, bool) {
	block, ok := m.server.Config.Module(m.Name)
	if !ok || !block.Enabled {
		return nil, false
	}
	return block.Config, true
}

package command

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
)

var (
	ErrNotFound  = errors.New("command not found")
	ErrDuplicate = errors.New("command already registered")
)

// Handler runs a command; args is the text after the command name.
type Handler func(w io.Writer, args string) error

// Command is a named console command. Key, when set, is a one letter
// shortcut that Find and Exec accept in place of Name.
type Command struct {
	Name    string
	Key     rune
	Desc    string
	Handler Handler
}

// Commands is a registry of named commands shared by all modules.
type Commands struct {
	mu   sync.RWMutex
	cmds map[string]*Command
}

func New() *Commands {
	return &Commands{cmds: make(map[string]*Command)}
}

// Register adds cmds; it fails without side effects if any name or key
// is taken.
func (c *Commands) Register(cmds ...Command) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make(map[rune]bool)
	for _, cmd := range c.cmds {
		if cmd.Key != 0 {
			keys[cmd.Key] = true
		}
	}
	for _, cmd := range cmds {
		if _, found := c.cmds[cmd.Name]; found {
			return fmt.Errorf("%w: %s", ErrDuplicate, cmd.Name)
		}
		if cmd.Key != 0 {
			if keys[cmd.Key] {
				return fmt.Errorf("%w: key %q", ErrDuplicate, cmd.Key)
			}
			keys[cmd.Key] = true
		}
	}
	for i := range cmds {
		cmd := cmds[i]
		c.cmds[cmd.Name] = &cmd
	}
	return nil
}

func (c *Commands) Unregister(names ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, name := range names {
		delete(c.cmds, name)
	}
}

// Find looks a command up by name, then by key for single letter names.
func (c *Commands) Find(name string) (*Command, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if cmd, ok := c.cmds[name]; ok {
		return cmd, true
	}
	if r := []rune(name); len(r) == 1 {
		for _, cmd := range c.cmds {
			if cmd.Key == r[0] {
				return cmd, true
			}
		}
	}
	return nil, false
}

// Exec parses "name args..." and runs the matching command. name may be
// the command's key.
func (c *Commands) Exec(w io.Writer, line string) error {
	line = strings.TrimSpace(line)
	name, args, _ := strings.Cut(line, " ")
	cmd, ok := c.Find(name)
	if !ok {
		return fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	return cmd.Handler(w, strings.TrimSpace(args))
}

// List returns the commands sorted by name.
func (c *Commands) List() []Command {
	c.mu.RLock()
	defer c.mu.RUnlock()
	list := make([]Command, 0, len(c.cmds))
	for _, cmd := range c.cmds {
		list = append(list, *cmd)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Name < list[j].Name })
	return list
}

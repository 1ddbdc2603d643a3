package protocol

import (
	"regexp"
	"sort"
	"sync"

	"github.com/rotisserie/eris"
)

// Command is an opaque, deterministic unit of simulation mutation. It is
// serialized as its JSON encoding under the name returned by CommandName, and
// applied on every peer at the same tick, in the same order.
//
// Apply must not read wall-clock time or unseeded randomness.
type Command interface {
	CommandName() string
	Apply(issuer Player)
}

var commandNameRE = regexp.MustCompile(`^[a-z][a-z0-9_]{0,63}$`)

// CommandRegistry maps wire names to command constructors. Only registered
// names can be decoded.
type CommandRegistry struct {
	mu       sync.RWMutex
	builders map[string]func() Command
}

func NewCommandRegistry() *CommandRegistry {
	return &CommandRegistry{builders: map[string]func() Command{}}
}

// Register adds a command type. The constructor must return a pointer so the
// decoder can fill it.
func (r *CommandRegistry) Register(name string, build func() Command) error {
	if !commandNameRE.MatchString(name) {
		return eris.Errorf("invalid command name %q", name)
	}
	if build == nil {
		return eris.Errorf("command %q: nil constructor", name)
	}
	if got := build().CommandName(); got != name {
		return eris.Errorf("command %q: constructor reports name %q", name, got)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.builders[name]; dup {
		return eris.Errorf("command %q already registered", name)
	}
	r.builders[name] = build
	return nil
}

// MustRegister is Register for package init paths.
func (r *CommandRegistry) MustRegister(name string, build func() Command) {
	if err := r.Register(name, build); err != nil {
		panic(err)
	}
}

func (r *CommandRegistry) lookup(name string) (func() Command, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.builders[name]
	return b, ok
}

func (r *CommandRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.builders))
	for k := range r.builders {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

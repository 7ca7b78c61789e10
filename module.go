package jsbind

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// Installer installs something into a module's export object.
type Installer interface {
	Name() string
	Install(env Env, exports Value) error
}

type property struct {
	name    string
	handler Handler
	value   func(env Env) (Value, error)
}

// Module collects the properties and classes of one native module. Entries
// may be submitted from any goroutine and in any order; InstallAll installs
// each of them exactly once.
type Module struct {
	name    string
	mu      sync.Mutex
	props   map[string]property
	classes []Installer
	names   map[string]struct{}
}

// NewModule creates an empty module.
func NewModule(name string) *Module {
	return &Module{
		name:  name,
		props: make(map[string]property),
		names: make(map[string]struct{}),
	}
}

// Name returns the module name.
func (m *Module) Name() string { return m.name }

func (m *Module) claim(name string) error {
	if name == "" {
		return &Error{Kind: KindDuplicateBinding, Op: m.name, Detail: "empty export name"}
	}
	if _, dup := m.names[name]; dup {
		return &Error{Kind: KindDuplicateBinding, Op: m.name, Detail: fmt.Sprintf("export %q already submitted", name)}
	}
	m.names[name] = struct{}{}
	return nil
}

// SubmitProperty adds a function export.
func (m *Module) SubmitProperty(name string, h Handler) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.claim(name); err != nil {
		return err
	}
	m.props[name] = property{name: name, handler: h}
	return nil
}

// SubmitAsync adds a function export that returns a promise.
func (m *Module) SubmitAsync(name string, h AsyncHandler, opts ...AsyncOption) error {
	return m.SubmitProperty(name, h.Handler(name, opts...))
}

// SubmitValue adds an export whose value is built at install time.
func (m *Module) SubmitValue(name string, build func(env Env) (Value, error)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.claim(name); err != nil {
		return err
	}
	m.props[name] = property{name: name, value: build}
	return nil
}

// SubmitClass adds a class export.
func (m *Module) SubmitClass(c Installer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.claim(c.Name()); err != nil {
		return err
	}
	m.classes = append(m.classes, c)
	return nil
}

// Exports returns the submitted export names, sorted.
func (m *Module) Exports() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.names))
	for n := range m.names {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// InstallAll installs every submitted entry into exports. Properties are
// installed in name order, then classes in submission order.
func (m *Module) InstallAll(env Env, exports Value) error {
	m.mu.Lock()
	props := make([]property, 0, len(m.props))
	for _, p := range m.props {
		props = append(props, p)
	}
	classes := append([]Installer(nil), m.classes...)
	m.mu.Unlock()

	sort.Slice(props, func(i, j int) bool { return props[i].name < props[j].name })

	for _, p := range props {
		var (
			v   Value
			err error
		)
		if p.handler != nil {
			v, err = Function(env, p.name, p.handler)
		} else {
			v, err = p.value(env)
		}
		if err != nil {
			return fmt.Errorf("install %s.%s: %w", m.name, p.name, err)
		}
		if err := exports.Set(p.name, v); err != nil {
			return fmt.Errorf("install %s.%s: %w", m.name, p.name, err)
		}
	}
	for _, c := range classes {
		if err := c.Install(env, exports); err != nil {
			return fmt.Errorf("install %s.%s: %w", m.name, c.Name(), err)
		}
	}

	Logger().Debug("module installed",
		zap.String("module", m.name),
		zap.Int("properties", len(props)),
		zap.Int("classes", len(classes)))
	return nil
}

var (
	registryMu sync.RWMutex
	registry   = make(map[string]*Module)
)

// Register makes m available to Lookup. Registering a second module under
// the same name fails.
func Register(m *Module) error {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := registry[m.name]; dup {
		return &Error{Kind: KindDuplicateBinding, Detail: fmt.Sprintf("module %q already registered", m.name)}
	}
	registry[m.name] = m
	return nil
}

// Lookup returns a registered module.
func Lookup(name string) (*Module, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	m, ok := registry[name]
	return m, ok
}

// Modules returns the names of all registered modules, sorted.
func Modules() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Load installs the named module into a fresh exports object.
func Load(env Env, name string) (Value, error) {
	m, ok := Lookup(name)
	if !ok {
		return Value{}, fmt.Errorf("module %q is not registered", name)
	}
	exports, err := env.Object()
	if err != nil {
		return Value{}, err
	}
	if err := m.InstallAll(env, exports); err != nil {
		return Value{}, err
	}
	return exports, nil
}

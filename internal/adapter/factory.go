package adapter

import (
	"sort"
	"sync"
)

// Adapter class names. The class string in a persisted configuration must
// resolve against the factory table; unknown classes fail at register time.
const (
	// SystemLoggerClass is the built-in logging adapter.
	SystemLoggerClass = "system.logger"

	// WorkflowAdapterClass is the fixed class every skill manifest must
	// declare for its workflow-bound adapter.
	WorkflowAdapterClass = "skillhub.adapter.WorkflowAdapter"
)

// Factory constructs a fresh, uninitialized adapter instance.
type Factory func() Adapter

// Factories is the class resolver: a table of adapter_class string to
// constructor, populated at startup and read-only afterwards.
type Factories struct {
	mu      sync.RWMutex
	byClass map[string]Factory
}

// NewFactories returns a table pre-populated with the built-in classes that
// need no collaborators. The WorkflowAdapter class is registered by the
// application once the workflow service exists.
func NewFactories() *Factories {
	f := &Factories{byClass: make(map[string]Factory)}
	f.Register(SystemLoggerClass, func() Adapter { return &SystemLogger{} })
	return f
}

// Register binds a class name to a constructor, replacing any previous
// binding.
func (f *Factories) Register(class string, factory Factory) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byClass[class] = factory
}

// Lookup resolves a class name.
func (f *Factories) Lookup(class string) (Factory, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	factory, ok := f.byClass[class]
	return factory, ok
}

// Classes returns the known class names, sorted.
func (f *Factories) Classes() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	classes := make([]string, 0, len(f.byClass))
	for class := range f.byClass {
		classes = append(classes, class)
	}
	sort.Strings(classes)
	return classes
}

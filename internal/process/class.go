package process

import (
	"context"
	"fmt"
	"sync"
)

// Definition is the behaviour of a process class.
//
// Define is called once per class, on a throwaway instance, to build the
// class spec. Run is the body executed when the process first starts.
type Definition interface {
	Define(spec *Spec)
	Run(ctx context.Context, p *Process) (Next, error)
}

// Continuer is implemented by definitions that suspend. Continue is
// invoked with the step name passed to Wait when the process resumes,
// possibly in a different runner after a restart.
type Continuer interface {
	Continue(ctx context.Context, p *Process, step string) (Next, error)
}

// Next tells the runner what happens after a body returns.
type Next struct {
	finished bool
	step     string
	ready    <-chan struct{}
}

// Finish ends the process successfully.
func Finish() Next {
	return Next{finished: true}
}

// Wait suspends the process. Continue is called with step once ready is
// closed. A nil ready channel means the process cannot make progress in
// this runner: it is checkpointed and left for the daemon to resume.
func Wait(step string, ready <-chan struct{}) Next {
	return Next{step: step, ready: ready}
}

// IsFinished reports whether n ends the process.
func (n Next) IsFinished() bool { return n.finished }

// Step returns the continuation name of a Wait.
func (n Next) Step() string { return n.step }

// Ready returns the channel of a Wait.
func (n Next) Ready() <-chan struct{} { return n.ready }

// RefKind tags a ClassRef.
type RefKind string

const (
	// RefDirect names a class registered under its own key.
	RefDirect RefKind = "direct"
	// RefWrapped names a plain job class wrapped into a process class.
	RefWrapped RefKind = "wrapped"
)

// ClassRef is the stable, serializable name of a process class.
type ClassRef struct {
	Kind RefKind `yaml:"kind"`
	Key  string  `yaml:"key"`
}

// Direct returns a reference to a directly registered class.
func Direct(key string) ClassRef {
	return ClassRef{Kind: RefDirect, Key: key}
}

// Wrapped returns a reference to a wrapped job class.
func Wrapped(innerKey string) ClassRef {
	return ClassRef{Kind: RefWrapped, Key: innerKey}
}

func (r ClassRef) String() string {
	if r.Kind == RefWrapped {
		return "wrapped:" + r.Key
	}
	return r.Key
}

// Class is a process class: a reference, the spec built once from
// Define, and a constructor for fresh definitions.
type Class struct {
	ref    ClassRef
	spec   *Spec
	newDef func() Definition
}

// NewClass builds a class. It panics if the spec declared by Define is
// invalid, since that is a programming error.
func NewClass(key string, newDef func() Definition) *Class {
	return newClass(Direct(key), newDef)
}

// NewWrappedClass builds a class referenced as Wrapped(innerKey).
func NewWrappedClass(innerKey string, newDef func() Definition) *Class {
	return newClass(Wrapped(innerKey), newDef)
}

func newClass(ref ClassRef, newDef func() Definition) *Class {
	spec := NewSpec()
	newDef().Define(spec)
	if err := spec.Validate(); err != nil {
		panic(fmt.Sprintf("process class %s: %v", ref, err))
	}
	return &Class{ref: ref, spec: spec, newDef: newDef}
}

// Ref returns the class reference stored in checkpoints.
func (c *Class) Ref() ClassRef { return c.ref }

// Key returns the key of the class reference.
func (c *Class) Key() string { return c.ref.Key }

// Spec returns the class spec. It must not be modified.
func (c *Class) Spec() *Spec { return c.spec }

// Registry maps class references to classes.
//
// Direct references resolve to registered classes. Wrapped references are
// built on first use by the factory registered for the inner key and then
// cached.
type Registry struct {
	mu        sync.RWMutex
	classes   map[string]*Class
	factories map[string]func() *Class
	wrapped   map[string]*Class
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		classes:   make(map[string]*Class),
		factories: make(map[string]func() *Class),
		wrapped:   make(map[string]*Class),
	}
}

// Register adds a direct class. Registering a key twice is an error.
func (r *Registry) Register(c *Class) error {
	if c.ref.Kind != RefDirect {
		return fmt.Errorf("register %s: not a direct class", c.ref)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.classes[c.ref.Key]; ok {
		return fmt.Errorf("class %q already registered", c.ref.Key)
	}
	r.classes[c.ref.Key] = c
	return nil
}

// MustRegister is Register that panics on error, for startup wiring.
func (r *Registry) MustRegister(c *Class) *Class {
	if err := r.Register(c); err != nil {
		panic(err)
	}
	return c
}

// RegisterWrapped installs the factory that builds the wrapping class for
// innerKey.
func (r *Registry) RegisterWrapped(innerKey string, factory func() *Class) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.factories[innerKey]; ok {
		return fmt.Errorf("wrapped class %q already registered", innerKey)
	}
	r.factories[innerKey] = factory
	return nil
}

// Resolve returns the class for ref.
func (r *Registry) Resolve(ref ClassRef) (*Class, error) {
	switch ref.Kind {
	case RefDirect, "":
		r.mu.RLock()
		c, ok := r.classes[ref.Key]
		r.mu.RUnlock()
		if !ok {
			return nil, newError(ErrCodeUnknownClass, "", nil, "no class registered for %q", ref.Key)
		}
		return c, nil
	case RefWrapped:
		r.mu.Lock()
		defer r.mu.Unlock()
		if c, ok := r.wrapped[ref.Key]; ok {
			return c, nil
		}
		factory, ok := r.factories[ref.Key]
		if !ok {
			return nil, newError(ErrCodeUnknownClass, "", nil, "no wrapper registered for %q", ref.Key)
		}
		c := factory()
		if c.ref != ref {
			return nil, fmt.Errorf("wrapper for %q built class %s", ref.Key, c.ref)
		}
		r.wrapped[ref.Key] = c
		return c, nil
	}
	return nil, newError(ErrCodeUnknownClass, "", nil, "unknown class reference kind %q", ref.Kind)
}

// Keys returns the direct class keys and wrapped inner keys.
func (r *Registry) Keys() []ClassRef {
	r.mu.RLock()
	defer r.mu.RUnlock()
	refs := make([]ClassRef, 0, len(r.classes)+len(r.factories))
	for k := range r.classes {
		refs = append(refs, Direct(k))
	}
	for k := range r.factories {
		refs = append(refs, Wrapped(k))
	}
	return refs
}

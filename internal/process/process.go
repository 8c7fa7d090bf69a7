package process

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"runtime/debug"
	"slices"
	"strconv"
	"sync"

	"github.com/roach88/workd/internal/heartbeat"
	"github.com/roach88/workd/internal/store"
	"github.com/roach88/workd/internal/value"
)

// ExceptionAttr records the failure or stop reason on a terminal record.
const ExceptionAttr = "_exception"

// CallLabel labels the call link from a parent record to a child record.
const CallLabel = "CALL"

// SavedState is the resumable state of a process, as stored in a
// checkpoint. Records are referenced by id.
type SavedState struct {
	State     State
	Step      string
	Inputs    map[string]int64
	Outputs   map[string]int64
	ParentPID PID
	Options   Options
	Context   value.Map
}

// Process is the transient executor bound to one calculation record.
//
// Advance drives it: each call runs the body (or its continuation) until it
// finishes, fails, or waits. Outputs are emitted from the body with Out and
// Return. Stop cancels it from any goroutine.
type Process struct {
	class  *Class
	def    Definition
	env    Env
	logger *slog.Logger

	mu         sync.Mutex
	pid        PID
	node       *store.Node
	state      State
	step       string
	inputs     map[string]*store.Node
	outputs    map[string]*store.Node
	parentPID  PID
	parent     *Process
	options    Options
	userCtx    value.Map
	lease      *heartbeat.Lease
	cancelRun  context.CancelFunc
	stopReason string
	result     error
	hooks      []func(context.Context, *Process) error
	onRelease  []func(context.Context, *Process)

	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	doneOnce sync.Once
}

func newProcess(env Env, class *Class) *Process {
	env = env.withDefaults()
	return &Process{
		class:   class,
		def:     class.newDef(),
		env:     env,
		inputs:  make(map[string]*store.Node),
		outputs: make(map[string]*store.Node),
		userCtx: value.Map{},
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// New creates a fresh process of class with the given inputs.
//
// Inputs are checked against the class spec, defaults are applied, and the
// calculation record is created. With provenance enabled the record and its
// inputs are stored, each input gets an input link, and the active process
// of the stack in ctx (if any) gets a call link to the new record.
//
// Input values may be Go values, value.Value, or stored data records;
// groups take a nested map.
func New(ctx context.Context, env Env, class *Class, inputs map[string]any, opts ...LaunchOption) (*Process, error) {
	p := newProcess(env, class)
	p.options = DefaultOptions()
	for _, opt := range opts {
		opt(&p.options)
	}
	if p.options.StoreProvenance && p.env.Store == nil {
		return nil, errors.New("new process: provenance requires a store")
	}

	resolved := make(map[string]any)
	if err := class.spec.inputs.resolve("", inputs, resolved); err != nil {
		return nil, newError(ErrCodeInvalidInputs, "", err, "inputs of %s", class.ref)
	}
	for label, raw := range resolved {
		n, err := toNode(raw)
		if err != nil {
			return nil, newError(ErrCodeInvalidInputs, "", err, "input %q", label)
		}
		p.inputs[label] = n
	}

	var parentNode *store.Node
	if parent, err := StackFrom(ctx).Top(); err == nil {
		p.parentPID = parent.PID()
		parentNode = parent.Node()
	}

	node := store.NewProcessNode(class.ref.String())
	node.Label = p.options.Label
	node.Description = p.options.Description
	node.ProcessState = string(StateCreated)
	p.node = node
	p.state = StateCreated

	if p.options.StoreProvenance {
		if err := p.storeRecord(ctx, parentNode); err != nil {
			return nil, err
		}
		p.pid = PID(strconv.FormatInt(node.ID, 10))
	} else {
		p.pid = PID(node.UUID)
	}
	p.logger = p.env.Logger.With("pid", string(p.pid), "class", class.ref.String())
	p.logger.Debug("process created", "parent_pid", string(p.parentPID), "inputs", len(p.inputs))
	return p, nil
}

func (p *Process) storeRecord(ctx context.Context, parentNode *store.Node) error {
	s := p.env.Store
	if err := s.StoreNode(ctx, p.node); err != nil {
		return fmt.Errorf("store calculation record: %w", err)
	}
	for _, label := range slices.Sorted(maps.Keys(p.inputs)) {
		in := p.inputs[label]
		if err := s.StoreNode(ctx, in); err != nil {
			return fmt.Errorf("store input %q: %w", label, err)
		}
		if err := s.AddLink(ctx, in.ID, p.node.ID, label, store.LinkInput); err != nil {
			return fmt.Errorf("link input %q: %w", label, err)
		}
	}
	if parentNode.IsStored() {
		if err := s.AddLink(ctx, parentNode.ID, p.node.ID, CallLabel, store.LinkCall); err != nil {
			return fmt.Errorf("link call from parent: %w", err)
		}
	}
	return nil
}

// Restore reattaches a process to its existing calculation record from a
// saved state. No record is created.
func Restore(ctx context.Context, env Env, class *Class, pid PID, saved SavedState) (*Process, error) {
	if env.Store == nil {
		return nil, errors.New("restore process: no store")
	}
	if saved.State != StateCreated && saved.State != StateWaiting {
		return nil, newError(ErrCodeInvalidTransition, pid, nil, "cannot resume from state %q", saved.State)
	}
	id, err := strconv.ParseInt(string(pid), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("restore process: pid %q is not a record id: %w", pid, err)
	}

	p := newProcess(env, class)
	node, err := env.Store.LoadNode(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("restore process %s: %w", pid, err)
	}
	if node.Kind != store.KindProcess {
		return nil, fmt.Errorf("restore process %s: record is not a process", pid)
	}
	if node.Sealed {
		return nil, fmt.Errorf("restore process %s: %w", pid, store.ErrModificationNotAllowed)
	}
	p.node = node
	p.pid = pid
	p.state = saved.State
	p.step = saved.Step
	p.parentPID = saved.ParentPID
	p.options = saved.Options
	if saved.Context != nil {
		p.userCtx = saved.Context.Clone()
	}

	load := func(refs map[string]int64, into map[string]*store.Node, what string) error {
		for label, ref := range refs {
			n, err := env.Store.LoadNode(ctx, ref)
			if err != nil {
				return fmt.Errorf("restore process %s: %s %q: %w", pid, what, label, err)
			}
			into[label] = n
		}
		return nil
	}
	if err := load(saved.Inputs, p.inputs, "input"); err != nil {
		return nil, err
	}
	if err := load(saved.Outputs, p.outputs, "output"); err != nil {
		return nil, err
	}

	p.logger = p.env.Logger.With("pid", string(p.pid), "class", class.ref.String())
	p.logger.Debug("process restored", "state", string(p.state), "step", p.step)
	return p, nil
}

// Save returns the resumable state. It fails if any record involved is
// not stored.
func (p *Process) Save() (SavedState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.node.IsStored() {
		return SavedState{}, fmt.Errorf("process %s: calculation record is not stored", p.pid)
	}
	refs := func(nodes map[string]*store.Node, what string) (map[string]int64, error) {
		out := make(map[string]int64, len(nodes))
		for label, n := range nodes {
			if !n.IsStored() {
				return nil, fmt.Errorf("process %s: %s %q is not stored", p.pid, what, label)
			}
			out[label] = n.ID
		}
		return out, nil
	}
	inputs, err := refs(p.inputs, "input")
	if err != nil {
		return SavedState{}, err
	}
	outputs, err := refs(p.outputs, "output")
	if err != nil {
		return SavedState{}, err
	}
	return SavedState{
		State:     p.state,
		Step:      p.step,
		Inputs:    inputs,
		Outputs:   outputs,
		ParentPID: p.parentPID,
		Options:   p.options,
		Context:   p.userCtx.Clone(),
	}, nil
}

// Advance runs the process until it finishes, fails, stops or waits.
//
// From CREATED it runs the body; from WAITING it runs the continuation
// named by the last Wait. When the heartbeat is enabled the lease is
// acquired first; heartbeat.ErrLocked aborts without touching the record.
//
// If ctx is cancelled (or the lease is lost) while the body runs, the
// process is evicted: the stack entry and lease are released, the record
// is left as is, and the in-memory state reverts so that the process can be
// resumed from its last checkpoint.
func (p *Process) Advance(ctx context.Context) (Next, error) {
	p.mu.Lock()
	from, step := p.state, p.step
	p.mu.Unlock()

	if from.IsTerminal() {
		return Finish(), p.Err()
	}
	if from == StateRunning {
		return Next{}, newError(ErrCodeInvalidTransition, p.pid, nil, "process is already running")
	}

	stack := StackFrom(ctx)
	if stack == nil {
		stack = NewStack()
		ctx = WithStack(ctx, stack)
	}

	if p.LeaseLost() {
		p.evict(ctx, stack, from)
		return Next{}, fmt.Errorf("process %s: %w", p.pid, heartbeat.ErrLost)
	}
	if p.isStopRequested() {
		return Finish(), p.terminate(ctx, stack, StateStopped, p.stopError())
	}

	if err := p.ensureLease(ctx); err != nil {
		return Next{}, fmt.Errorf("start process %s: %w", p.pid, err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	p.mu.Lock()
	p.cancelRun = cancel
	p.mu.Unlock()
	if p.isStopRequested() {
		cancel()
	}

	if err := p.setState(ctx, StateRunning); err != nil {
		p.evict(ctx, stack, from)
		return Next{}, err
	}
	stack.Push(p)
	p.logger.Debug("process running", "step", step)

	next, err := p.invoke(runCtx, from, step)

	p.mu.Lock()
	p.cancelRun = nil
	p.mu.Unlock()

	switch {
	case p.LeaseLost():
		p.evict(ctx, stack, from)
		return Next{}, fmt.Errorf("process %s: %w", p.pid, heartbeat.ErrLost)
	case p.isStopRequested():
		return Finish(), p.terminate(ctx, stack, StateStopped, p.stopError())
	case err != nil && ctx.Err() != nil:
		p.evict(ctx, stack, from)
		return Next{}, fmt.Errorf("process %s evicted: %w", p.pid, ctx.Err())
	case err != nil:
		return Finish(), p.terminate(ctx, stack, StateFailed, p.failure(err))
	case next.finished:
		if missing := p.missingOutputs(); len(missing) > 0 {
			err := newError(ErrCodeInvalidOutputs, p.pid, nil, "required outputs not emitted: %v", missing)
			return Finish(), p.terminate(ctx, stack, StateFailed, err)
		}
		return next, p.terminate(ctx, stack, StateFinished, nil)
	}

	if err := stack.Pop(p); err != nil {
		return Finish(), p.terminate(ctx, stack, StateFailed, err)
	}
	p.mu.Lock()
	p.step = next.step
	p.mu.Unlock()
	if err := p.setState(context.WithoutCancel(ctx), StateWaiting); err != nil {
		return next, err
	}
	p.logger.Debug("process waiting", "step", next.step)
	return next, nil
}

func (p *Process) invoke(ctx context.Context, from State, step string) (next Next, err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("process body panicked", "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	if from == StateCreated {
		return p.def.Run(ctx, p)
	}
	c, ok := p.def.(Continuer)
	if !ok {
		return Next{}, fmt.Errorf("%s cannot continue step %q", p.class.ref, step)
	}
	return c.Continue(ctx, p, step)
}

func (p *Process) failure(err error) error {
	if CodeOf(err) != "" {
		return err
	}
	return newError(ErrCodeFailed, p.pid, err, "process body failed")
}

func (p *Process) missingOutputs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.class.spec.outputs.missingRequired("", func(label string) bool {
		_, ok := p.outputs[label]
		return ok
	})
}

// setState transitions and records the new state.
func (p *Process) setState(ctx context.Context, to State) error {
	p.mu.Lock()
	from := p.state
	if !CanTransition(from, to) {
		p.mu.Unlock()
		return newError(ErrCodeInvalidTransition, p.pid, nil, "%s -> %s", from, to)
	}
	p.state = to
	p.node.ProcessState = string(to)
	p.mu.Unlock()

	if p.options.StoreProvenance {
		if err := p.env.Store.SetProcessState(ctx, p.node.ID, string(to)); err != nil {
			return fmt.Errorf("record state %s: %w", to, err)
		}
	}
	return nil
}

// terminate is the finaliser of every terminal transition: it pops the
// stack entry, runs terminal hooks, releases the heartbeat, records the
// terminal state and seals the record. Record errors are logged; the
// returned error is cause.
func (p *Process) terminate(ctx context.Context, stack *Stack, to State, cause error) error {
	ctx = context.WithoutCancel(ctx)
	if stack != nil && stack.isTop(p) {
		if err := stack.Pop(p); err != nil {
			p.logger.Error("pop on terminate failed", "error", err)
		}
	}

	p.mu.Lock()
	hooks := slices.Clone(p.hooks)
	p.mu.Unlock()
	for _, hook := range hooks {
		if err := hook(ctx, p); err != nil {
			p.logger.Error("terminal hook failed", "error", err)
		}
	}

	p.releaseLease(ctx)

	if err := p.setState(ctx, to); err != nil {
		p.logger.Error("record terminal state failed", "state", string(to), "error", err)
		p.mu.Lock()
		p.state = to
		p.mu.Unlock()
	}
	if p.options.StoreProvenance {
		if cause != nil {
			if err := p.env.Store.SetAttr(ctx, p.node.ID, ExceptionAttr, value.String(cause.Error())); err != nil {
				p.logger.Error("record failure failed", "error", err)
			}
		}
		if err := p.env.Store.Seal(ctx, p.node.ID); err != nil {
			p.logger.Error("seal failed", "error", err)
		}
	}

	p.mu.Lock()
	p.node.Sealed = p.options.StoreProvenance
	p.result = cause
	p.mu.Unlock()
	p.doneOnce.Do(func() { close(p.done) })

	if cause != nil {
		p.logger.Warn("process terminated", "state", string(to), "error", cause)
	} else {
		p.logger.Info("process terminated", "state", string(to))
	}
	return cause
}

// evict abandons this runner's hold on the process without a terminal
// transition. The checkpoint stays valid.
func (p *Process) evict(ctx context.Context, stack *Stack, revert State) {
	if stack != nil && stack.isTop(p) {
		if err := stack.Pop(p); err != nil {
			p.logger.Error("pop on evict failed", "error", err)
		}
	}
	p.runReleaseHooks(context.WithoutCancel(ctx))
	p.releaseLease(context.WithoutCancel(ctx))
	p.mu.Lock()
	p.state = revert
	p.mu.Unlock()
	p.logger.Info("process evicted", "state", string(revert))
}

func (p *Process) ensureLease(ctx context.Context) error {
	if p.env.HeartbeatInterval <= 0 || !p.options.StoreProvenance {
		return nil
	}
	p.mu.Lock()
	if p.lease != nil {
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	lease := heartbeat.New(p.env.Store.Attributes(p.node.ID),
		heartbeat.WithInterval(p.env.HeartbeatInterval),
		heartbeat.WithClock(p.env.Clock),
		heartbeat.WithLogger(p.logger),
		heartbeat.OnLost(p.cancelBody),
	)
	if err := lease.Start(ctx); err != nil {
		return err
	}
	p.mu.Lock()
	p.lease = lease
	p.mu.Unlock()
	return nil
}

func (p *Process) releaseLease(ctx context.Context) {
	p.mu.Lock()
	lease := p.lease
	p.lease = nil
	p.mu.Unlock()
	if lease != nil {
		lease.Stop(ctx)
	}
}

// Release gives up the heartbeat without changing the process state, so
// another runner may resume it. Release hooks run first. Safe to call more
// than once.
func (p *Process) Release(ctx context.Context) {
	p.runReleaseHooks(ctx)
	p.releaseLease(ctx)
}

// OnRelease registers a hook run when this runner lets go of the process
// without a terminal transition: on Release and on eviction.
func (p *Process) OnRelease(hook func(context.Context, *Process)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onRelease = append(p.onRelease, hook)
}

func (p *Process) runReleaseHooks(ctx context.Context) {
	p.mu.Lock()
	hooks := slices.Clone(p.onRelease)
	p.mu.Unlock()
	for _, hook := range hooks {
		hook(ctx, p)
	}
}

// LeaseLost reports whether the heartbeat was taken over by another runner.
func (p *Process) LeaseLost() bool {
	p.mu.Lock()
	lease := p.lease
	p.mu.Unlock()
	return lease != nil && lease.IsLost()
}

// LeaseLostC is closed when the heartbeat is lost. It is nil when no
// lease is held.
func (p *Process) LeaseLostC() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.lease == nil {
		return nil
	}
	return p.lease.Lost()
}

func (p *Process) cancelBody() {
	p.mu.Lock()
	cancel := p.cancelRun
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Stop requests cancellation. A running body sees its context cancelled;
// the process ends STOPPED at its next Advance or when the body returns.
func (p *Process) Stop(reason string) {
	p.stopOnce.Do(func() {
		p.mu.Lock()
		p.stopReason = reason
		p.mu.Unlock()
		close(p.stopCh)
		p.cancelBody()
	})
}

// Stopping is closed once Stop has been called.
func (p *Process) Stopping() <-chan struct{} {
	return p.stopCh
}

func (p *Process) isStopRequested() bool {
	select {
	case <-p.stopCh:
		return true
	default:
		return false
	}
}

func (p *Process) stopError() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return newError(ErrCodeStopped, p.pid, nil, "stopped: %s", p.stopReason)
}

// OnTerminal registers a hook run by the finaliser before the record is
// sealed.
func (p *Process) OnTerminal(hook func(context.Context, *Process) error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.hooks = append(p.hooks, hook)
}

// Out emits an output under a declared (or dynamic) label. A value that is
// not yet stored is stored and linked with a create link; every output is
// linked with a return link. Only dynamic ports may be emitted twice.
func (p *Process) Out(ctx context.Context, label string, v any) error {
	port, ok := p.class.spec.outputs.Lookup(label)
	if !ok {
		return newError(ErrCodeInvalidOutputs, p.pid, nil, "undeclared output %q", label)
	}
	return p.emit(ctx, label, port, v)
}

// Return emits v as the sole anonymous output.
func (p *Process) Return(ctx context.Context, v any) error {
	return p.emit(ctx, ReturnLabel, Port{Kind: PortRequired, Type: TypeAny}, v)
}

func (p *Process) emit(ctx context.Context, label string, port Port, v any) error {
	p.mu.Lock()
	state := p.state
	_, seen := p.outputs[label]
	p.mu.Unlock()

	if state.IsTerminal() {
		return fmt.Errorf("emit output %q: %w", label, store.ErrModificationNotAllowed)
	}
	if state != StateRunning {
		return newError(ErrCodeInvalidTransition, p.pid, nil, "emit output %q while %s", label, state)
	}
	if seen && port.Kind != PortDynamic {
		return newError(ErrCodeInvalidOutputs, p.pid, nil, "output %q already emitted", label)
	}
	n, err := toNode(v)
	if err != nil {
		return newError(ErrCodeInvalidOutputs, p.pid, err, "output %q", label)
	}
	if err := checker.check(port.Type, n.Content); err != nil {
		return newError(ErrCodeInvalidOutputs, p.pid, err, "output %q", label)
	}

	if p.options.StoreProvenance {
		s := p.env.Store
		if !n.IsStored() {
			if err := s.StoreNode(ctx, n); err != nil {
				return fmt.Errorf("store output %q: %w", label, err)
			}
			if err := s.AddLink(ctx, p.node.ID, n.ID, label, store.LinkCreate); err != nil {
				return fmt.Errorf("link created output %q: %w", label, err)
			}
		}
		if err := s.AddLink(ctx, p.node.ID, n.ID, label, store.LinkReturn); err != nil {
			return fmt.Errorf("link returned output %q: %w", label, err)
		}
	}

	p.mu.Lock()
	p.outputs[label] = n
	p.mu.Unlock()
	p.logger.Debug("output emitted", "label", label, "kind", string(value.KindOf(n.Content)))
	return nil
}

func toNode(v any) (*store.Node, error) {
	if n, ok := v.(*store.Node); ok {
		if n == nil || n.Kind != store.KindData {
			return nil, errors.New("only data records can be passed as values")
		}
		return n, nil
	}
	val, err := value.FromGo(v)
	if err != nil {
		return nil, err
	}
	return store.NewData(val), nil
}

func checkPortValue(label string, p Port, v any) error {
	var val value.Value
	if n, ok := v.(*store.Node); ok {
		if n == nil || n.Kind != store.KindData {
			return fmt.Errorf("port %q: only data records can be passed as values", label)
		}
		val = n.Content
	} else {
		var err error
		if val, err = value.FromGo(v); err != nil {
			return fmt.Errorf("port %q: %w", label, err)
		}
	}
	if err := checker.check(p.Type, val); err != nil {
		return fmt.Errorf("port %q: %w", label, err)
	}
	return nil
}

// PID returns the process id.
func (p *Process) PID() PID { return p.pid }

// Class returns the process class.
func (p *Process) Class() *Class { return p.class }

// Definition returns the body instance of this process.
func (p *Process) Definition() Definition { return p.def }

// Node returns the calculation record.
func (p *Process) Node() *store.Node {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.node
}

// State returns the current state.
func (p *Process) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Step returns the continuation name of the last Wait.
func (p *Process) Step() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.step
}

// Options returns the control options.
func (p *Process) Options() Options { return p.options }

// ParentPID returns the pid of the process that was active at creation.
func (p *Process) ParentPID() PID { return p.parentPID }

// Parent returns the process below this one on the stack while it runs.
// It is a lookup, not ownership, and is cleared when the process is popped.
func (p *Process) Parent() *Process {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.parent
}

func (p *Process) setParent(parent *Process) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.parent = parent
}

// Input returns the value of input label, or nil.
func (p *Process) Input(label string) value.Value {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n, ok := p.inputs[label]; ok {
		return n.Content
	}
	return nil
}

// Inputs returns input values by flat label.
func (p *Process) Inputs() value.Map {
	p.mu.Lock()
	defer p.mu.Unlock()
	return contents(p.inputs)
}

// InputNodes returns input records by flat label.
func (p *Process) InputNodes() map[string]*store.Node {
	p.mu.Lock()
	defer p.mu.Unlock()
	return maps.Clone(p.inputs)
}

// Outputs returns emitted output values by label.
func (p *Process) Outputs() value.Map {
	p.mu.Lock()
	defer p.mu.Unlock()
	return contents(p.outputs)
}

// OutputNodes returns emitted output records by label.
func (p *Process) OutputNodes() map[string]*store.Node {
	p.mu.Lock()
	defer p.mu.Unlock()
	return maps.Clone(p.outputs)
}

// Context returns the user state carried across checkpoints. Bodies may
// modify it while running.
func (p *Process) Context() value.Map {
	return p.userCtx
}

// Logger returns a logger tagged with the pid and class.
func (p *Process) Logger() *slog.Logger { return p.logger }

// Done is closed after the terminal transition.
func (p *Process) Done() <-chan struct{} { return p.done }

// Err returns the terminal error: nil once FINISHED, the failure or stop
// error otherwise.
func (p *Process) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.result
}

func contents(nodes map[string]*store.Node) value.Map {
	out := make(value.Map, len(nodes))
	for label, n := range nodes {
		out[label] = n.Content
	}
	return out
}

// Package job wraps plain remote jobs into resumable process classes.
//
// A Job knows nothing about processes: it submits work to a computer,
// reports whether the work is done, and retrieves the results. Wrap turns
// it into a process class whose body drives submit, poll and retrieve,
// each through the transport queue, suspending in between. The class is
// referenced as process.Wrapped(key), so checkpoints rebuild it through
// the registry factory installed by Register.
package job

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/workd/internal/clock"
	"github.com/roach88/workd/internal/process"
	"github.com/roach88/workd/internal/transport"
	"github.com/roach88/workd/internal/value"
)

// ComputerInput is the input port naming the computer a job runs on.
const ComputerInput = "computer"

// JobIDKey is the process context key holding the remote job id.
const JobIDKey = "job_id"

// DefaultPollInterval is how long a wrapped job waits between updates.
const DefaultPollInterval = 30 * time.Second

// Job is a plain remote computation.
type Job interface {
	// Define declares the inputs and outputs of the job. It must not
	// declare ComputerInput.
	Define(spec *process.Spec)
	// Submit starts the job and returns its remote id.
	Submit(ctx context.Context, t transport.Transport, inputs value.Map) (string, error)
	// Update reports whether the job has finished.
	Update(ctx context.Context, t transport.Transport, jobID string) (bool, error)
	// Retrieve returns the outputs of a finished job.
	Retrieve(ctx context.Context, t transport.Transport, jobID string) (value.Map, error)
}

// Runtime is what wrapped jobs need from the runner.
type Runtime struct {
	Queue    *transport.Queue
	Resolver *transport.Resolver
	// Computer is the default of ComputerInput.
	Computer     string
	PollInterval time.Duration
	Clock        clock.Clock
}

func (rt *Runtime) withDefaults() *Runtime {
	out := *rt
	if out.PollInterval <= 0 {
		out.PollInterval = DefaultPollInterval
	}
	if out.Clock == nil {
		out.Clock = clock.New()
	}
	return &out
}

// Wrap returns the process class for jobs built by newJob.
func Wrap(key string, newJob func() Job, rt *Runtime) *process.Class {
	rt = rt.withDefaults()
	return process.NewWrappedClass(key, func() process.Definition {
		return &wrapper{rt: rt, job: newJob()}
	})
}

// Register installs the factory that builds the wrapped class for key.
func Register(reg *process.Registry, key string, newJob func() Job, rt *Runtime) error {
	return reg.RegisterWrapped(key, func() *process.Class {
		return Wrap(key, newJob, rt)
	})
}

// Steps of the wrapper body. A "*ed" step consumes the result of the
// transport request issued by the step before it.
const (
	stepSubmitted = "submitted"
	stepPoll      = "poll"
	stepUpdated   = "updated"
	stepRetrieved = "retrieved"
)

type wrapper struct {
	rt  *Runtime
	job Job

	// In-flight request. Results are written by the transport callback
	// and read after req.Done() is closed.
	req      *transport.Request
	bound    bool
	jobID    string
	finished bool
	outputs  value.Map
}

func (w *wrapper) Define(s *process.Spec) {
	w.job.Define(s)
	s.Input(ComputerInput, process.Optional(process.TypeString, w.rt.Computer).
		WithHelp("computer the job runs on"))
}

func (w *wrapper) Run(ctx context.Context, p *process.Process) (process.Next, error) {
	w.bind(p)
	return w.submit(p)
}

func (w *wrapper) Continue(ctx context.Context, p *process.Process, step string) (process.Next, error) {
	w.bind(p)
	switch step {
	case stepSubmitted:
		if w.req == nil {
			// Resumed before the submit result was seen.
			return w.submit(p)
		}
		if err := w.take(); err != nil {
			return process.Next{}, fmt.Errorf("submit: %w", err)
		}
		p.Context()[JobIDKey] = value.String(w.jobID)
		p.Logger().Info("job submitted", "job_id", w.jobID)
		return w.sleep(), nil

	case stepPoll:
		return w.update(p)

	case stepUpdated:
		if w.req == nil {
			return w.update(p)
		}
		if err := w.take(); err != nil {
			return process.Next{}, fmt.Errorf("update: %w", err)
		}
		if !w.finished {
			return w.sleep(), nil
		}
		return w.retrieve(p)

	case stepRetrieved:
		if w.req == nil {
			return w.retrieve(p)
		}
		if err := w.take(); err != nil {
			return process.Next{}, fmt.Errorf("retrieve: %w", err)
		}
		for _, label := range w.outputs.SortedKeys() {
			if err := p.Out(ctx, label, w.outputs[label]); err != nil {
				return process.Next{}, err
			}
		}
		p.Logger().Info("job retrieved", "job_id", jobID(p), "outputs", len(w.outputs))
		return process.Finish(), nil
	}
	return process.Next{}, fmt.Errorf("unknown step %q", step)
}

// bind withdraws the queued request when the process ends or this runner
// lets go of it, so a stopped or evicted job never reaches the remote.
func (w *wrapper) bind(p *process.Process) {
	if w.bound {
		return
	}
	w.bound = true
	p.OnTerminal(func(context.Context, *process.Process) error {
		w.withdraw(p)
		return nil
	})
	p.OnRelease(func(context.Context, *process.Process) {
		w.withdraw(p)
	})
}

// withdraw cancels the in-flight request if its batch has not started.
func (w *wrapper) withdraw(p *process.Process) {
	if w.req == nil {
		return
	}
	if w.req.Cancel() {
		p.Logger().Debug("job request withdrawn", "job_id", jobID(p))
		w.req = nil
	}
}

func (w *wrapper) take() error {
	err := w.req.Err()
	w.req = nil
	return err
}

func (w *wrapper) submit(p *process.Process) (process.Next, error) {
	inputs := p.Inputs()
	delete(inputs, ComputerInput)
	return w.call(p, stepSubmitted, func(ctx context.Context, t transport.Transport) error {
		id, err := w.job.Submit(ctx, t, inputs)
		if err != nil {
			return err
		}
		if id == "" {
			return errors.New("job returned an empty id")
		}
		w.jobID = id
		return nil
	})
}

func (w *wrapper) update(p *process.Process) (process.Next, error) {
	id := jobID(p)
	return w.call(p, stepUpdated, func(ctx context.Context, t transport.Transport) error {
		done, err := w.job.Update(ctx, t, id)
		w.finished = done
		return err
	})
}

func (w *wrapper) retrieve(p *process.Process) (process.Next, error) {
	id := jobID(p)
	return w.call(p, stepRetrieved, func(ctx context.Context, t transport.Transport) error {
		out, err := w.job.Retrieve(ctx, t, id)
		w.outputs = out
		return err
	})
}

func (w *wrapper) call(p *process.Process, step string, fn func(context.Context, transport.Transport) error) (process.Next, error) {
	name, _ := p.Input(ComputerInput).(value.String)
	auth, err := w.rt.Resolver.Resolve(string(name))
	if err != nil {
		return process.Next{}, err
	}
	p.Logger().Debug("job request queued", "step", step, "computer", string(name))
	w.req = w.rt.Queue.CallMeWithTransport(auth, func(ctx context.Context, _ transport.AuthInfo, t transport.Transport) error {
		return fn(ctx, t)
	})
	return process.Wait(step, w.req.Done()), nil
}

func (w *wrapper) sleep() process.Next {
	ready := make(chan struct{})
	w.rt.Clock.AfterFunc(w.rt.PollInterval, func() { close(ready) })
	return process.Wait(stepPoll, ready)
}

func jobID(p *process.Process) string {
	s, _ := p.Context()[JobIDKey].(value.String)
	return string(s)
}

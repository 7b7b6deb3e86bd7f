package action

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	logx "github.com/SpaceDev/SpaceRTK/pkg/logx"
)

// Call describes one finished dispatch. Observers receive it after the handler returned.
type Call struct {
	ID       string
	Name     string // name as requested (may be an alias)
	Action   string // canonical name; empty if resolution failed
	Args     []any
	Started  time.Time
	Duration time.Duration
	Err      error
}

// Observer is notified of every dispatch, including failed resolutions.
type Observer func(ctx context.Context, c Call)

// Dispatcher resolves names in a Registry and invokes the bound handler.
//
// It has no queue of its own: Dispatch runs the handler on the caller's goroutine.
type Dispatcher struct {
	reg       *Registry
	log       logx.Logger
	observers []Observer
}

type DispatcherOption func(*Dispatcher)

func WithLogger(log logx.Logger) DispatcherOption {
	return func(d *Dispatcher) { d.log = log }
}

func WithObserver(o Observer) DispatcherOption {
	return func(d *Dispatcher) {
		if o != nil {
			d.observers = append(d.observers, o)
		}
	}
}

func NewDispatcher(reg *Registry, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{reg: reg}
	for _, o := range opts {
		o(d)
	}
	if d.log.IsZero() {
		d.log = logx.Nop()
	}
	return d
}

// Registry returns the registry backing this dispatcher.
func (d *Dispatcher) Registry() *Registry { return d.reg }

// Resolve exposes Registry.Resolve so callers can validate names up front.
func (d *Dispatcher) Resolve(name string) (*Descriptor, error) {
	return d.reg.Resolve(name)
}

// Dispatch resolves name, coerces args and invokes the handler.
//
// Errors are always returned, never raised: ErrNotFound, ErrArgumentMismatch
// (handler not called) or a *HandlerError (handler failed or panicked).
func (d *Dispatcher) Dispatch(ctx context.Context, name string, args []any) (result any, err error) {
	if ctx == nil {
		ctx = context.Background()
	}
	call := Call{ID: uuid.NewString(), Name: name, Args: args, Started: time.Now()}
	defer func() {
		call.Duration = time.Since(call.Started)
		call.Err = err
		d.notify(ctx, call)
	}()

	desc, err := d.reg.Resolve(name)
	if err != nil {
		d.log.Debug("dispatch: unknown action", logx.String("action", name), logx.String("id", call.ID))
		return nil, err
	}
	call.Action = desc.Name

	coerced, err := Coerce(desc.Signature(), desc.Params, args)
	if err != nil {
		d.log.Debug("dispatch: argument mismatch", logx.String("action", desc.Name), logx.String("id", call.ID), logx.Err(err))
		return nil, err
	}

	result, err = d.invoke(ctx, desc, coerced)
	if err != nil {
		d.log.Warn("dispatch: handler failed", logx.String("action", desc.Name), logx.String("id", call.ID), logx.Err(err))
		return result, err
	}
	d.log.Debug("dispatch: ok", logx.String("action", desc.Name), logx.String("id", call.ID), logx.Duration("dur", time.Since(call.Started)))
	return result, nil
}

func (d *Dispatcher) invoke(ctx context.Context, desc *Descriptor, args []any) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("dispatch: handler panicked", logx.String("action", desc.Name), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			result = nil
			err = &HandlerError{Action: desc.Name, Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	result, err = desc.Invoke(ctx, args)
	if err != nil {
		var he *HandlerError
		if !errors.As(err, &he) {
			err = &HandlerError{Action: desc.Name, Err: err}
		}
	}
	return result, err
}

func (d *Dispatcher) notify(ctx context.Context, c Call) {
	for _, o := range d.observers {
		func() {
			defer func() { _ = recover() }()
			o(ctx, c)
		}()
	}
}

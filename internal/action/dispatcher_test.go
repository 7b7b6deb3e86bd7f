package action

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu    sync.Mutex
	calls [][]any
}

func (r *recorder) handler(result any, err error) Handler {
	return func(ctx context.Context, args []any) (any, error) {
		r.mu.Lock()
		r.calls = append(r.calls, args)
		r.mu.Unlock()
		return result, err
	}
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func newTestDispatcher(t *testing.T, descs ...Descriptor) *Dispatcher {
	t.Helper()
	reg, err := NewRegistry(descs)
	require.NoError(t, err)
	return NewDispatcher(reg)
}

func TestDispatchInvokesHandlerWithCoercedArgs(t *testing.T) {
	t.Parallel()
	rec := &recorder{}
	d := newTestDispatcher(t, Descriptor{Name: "copyFile", Aliases: []string{"cp"}, Params: []ParamType{String, String}, Invoke: rec.handler(true, nil)})

	res, err := d.Dispatch(context.Background(), "cp", []any{"a.txt", "b.txt"})
	require.NoError(t, err)
	require.Equal(t, true, res)
	require.Equal(t, [][]any{{"a.txt", "b.txt"}}, rec.calls)
}

func TestDispatchArgumentMismatchHasNoSideEffect(t *testing.T) {
	t.Parallel()
	rec := &recorder{}
	d := newTestDispatcher(t, Descriptor{Name: "setTimer", Params: []ParamType{String, Int}, Invoke: rec.handler(nil, nil)})

	for _, args := range [][]any{
		nil,
		{"only-one"},
		{"name", "not-a-number"},
		{"name", 1, "extra"},
	} {
		_, err := d.Dispatch(context.Background(), "setTimer", args)
		require.ErrorIs(t, err, ErrArgumentMismatch, "args=%v", args)
		require.Contains(t, err.Error(), "setTimer(string, int)", "args=%v", args)
	}
	require.Zero(t, rec.count())
}

func TestDispatchUnknownAction(t *testing.T) {
	t.Parallel()
	d := newTestDispatcher(t)
	_, err := d.Dispatch(context.Background(), "nope", nil)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestDispatchWrapsHandlerFailure(t *testing.T) {
	t.Parallel()
	rec := &recorder{}
	d := newTestDispatcher(t, Descriptor{Name: "getFileContent", Params: []ParamType{String}, Invoke: rec.handler(nil, os.ErrNotExist)})

	_, err := d.Dispatch(context.Background(), "getFileContent", []any{"missing.txt"})
	require.ErrorIs(t, err, ErrHandlerFailure)
	require.ErrorIs(t, err, os.ErrNotExist)

	var he *HandlerError
	require.True(t, errors.As(err, &he))
	require.Equal(t, "getFileContent", he.Action)
}

func TestDispatchRecoversHandlerPanic(t *testing.T) {
	t.Parallel()
	d := newTestDispatcher(t, Descriptor{Name: "boom", Invoke: func(context.Context, []any) (any, error) {
		panic("kaboom")
	}})

	res, err := d.Dispatch(context.Background(), "boom", []any{})
	require.Nil(t, res)
	require.ErrorIs(t, err, ErrHandlerFailure)
}

func TestDispatchNotifiesObservers(t *testing.T) {
	t.Parallel()
	var (
		mu    sync.Mutex
		calls []Call
	)
	reg, err := NewRegistry([]Descriptor{{Name: "ping", Aliases: []string{"p"}, Invoke: nopHandler}})
	require.NoError(t, err)
	d := NewDispatcher(reg, WithObserver(func(ctx context.Context, c Call) {
		mu.Lock()
		calls = append(calls, c)
		mu.Unlock()
	}))

	_, _ = d.Dispatch(context.Background(), "p", nil)
	_, _ = d.Dispatch(context.Background(), "missing", nil)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, calls, 2)
	require.Equal(t, "ping", calls[0].Action)
	require.Equal(t, "p", calls[0].Name)
	require.NoError(t, calls[0].Err)
	require.NotEmpty(t, calls[0].ID)
	require.Empty(t, calls[1].Action)
	require.ErrorIs(t, calls[1].Err, ErrNotFound)
}

package result

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeCloser struct {
	mu    sync.Mutex
	name  string
	err   error
	calls int
	log   *[]string
}

func (f *fakeCloser) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.log != nil {
		*f.log = append(*f.log, f.name)
	}
	return f.err
}

type fakeStream struct {
	io.Reader
	fakeCloser
}

func TestStreamResultCloseIdempotent(t *testing.T) {
	stream := &fakeStream{Reader: strings.NewReader("payload")}
	aux := &fakeCloser{}
	r := NewStream(stream, Builder{Kind: BuilderJSON}, aux)

	require.NoError(t, r.Close())
	require.Equal(t, 1, stream.calls)
	require.Equal(t, 1, aux.calls)

	require.NotPanics(t, func() { require.NoError(t, r.Close()) })
	require.Equal(t, 1, stream.calls)
	require.Equal(t, 1, aux.calls)
	require.True(t, r.Closed())
}

func TestCloseOrderAndFirstError(t *testing.T) {
	var log []string
	errA := errors.New("a failed")
	primary := &fakeStream{Reader: strings.NewReader(""), fakeCloser: fakeCloser{name: "primary", log: &log}}
	a := &fakeCloser{name: "a", err: errA, log: &log}
	b := &fakeCloser{name: "b", err: errors.New("b failed"), log: &log}
	c := &fakeCloser{name: "c", log: &log}

	r := NewStream(primary, Builder{}, a, b)
	r.AddCloser(c)

	err := r.Close()
	require.ErrorIs(t, err, errA)
	require.Equal(t, []string{"primary", "a", "b", "c"}, log)
}

func TestAddCloserAfterClose(t *testing.T) {
	r := NewConstant(1)
	require.NoError(t, r.Close())
	late := &fakeCloser{}
	r.AddCloser(late)
	require.Equal(t, 1, late.calls)
}

func TestMultiResultClosesChildren(t *testing.T) {
	x := &fakeCloser{}
	child := NewConstant("x")
	child.AddCloser(x)
	m := NewMulti()
	m.Put("a", child)
	m.Put(LastKey, NewConstant("last"))
	require.Equal(t, []string{"a", LastKey}, m.Names)
	require.NoError(t, m.Close())
	require.NoError(t, m.Close())
	require.Equal(t, 1, x.calls)
}

type codedErr struct{ code int }

func (e codedErr) Error() string  { return fmt.Sprintf("code %d", e.code) }
func (e codedErr) ErrorCode() int { return e.code }

func TestFromError(t *testing.T) {
	t.Run("plain error gets default code", func(t *testing.T) {
		er := FromError(errors.New("boom"))
		require.Equal(t, DefaultErrorCode, er.Code)
		require.Equal(t, "boom", er.Message)
	})
	t.Run("coded error keeps code", func(t *testing.T) {
		er := FromError(fmt.Errorf("wrapped: %w", codedErr{code: 999}))
		require.Equal(t, 999, er.Code)
	})
	t.Run("error result passes through", func(t *testing.T) {
		orig := NewError(7, "seven")
		require.Same(t, orig, FromError(orig))
	})
}

type fakeCursor struct {
	docs   []map[string]any
	pos    int
	closed int
}

func (c *fakeCursor) Next(context.Context) bool { c.pos++; return c.pos <= len(c.docs) }
func (c *fakeCursor) Decode(v any) error {
	*(v.(*map[string]any)) = c.docs[c.pos-1]
	return nil
}
func (c *fakeCursor) Err() error                  { return nil }
func (c *fakeCursor) Close(context.Context) error { c.closed++; return nil }

func TestRealize(t *testing.T) {
	ctx := context.Background()

	v, err := Realize(ctx, NewConstant(3))
	require.NoError(t, err)
	require.Equal(t, 3, v)

	v, err = Realize(ctx, NewStreamingObjects(NewSliceIterator([]any{1, 2}), Builder{}))
	require.NoError(t, err)
	require.Equal(t, []any{1, 2}, v)

	cur := &fakeCursor{docs: []map[string]any{{"a": 1}, {"a": 2}}}
	cr := NewCursor(cur, Builder{})
	v, err = Realize(ctx, cr)
	require.NoError(t, err)
	require.Equal(t, []any{map[string]any{"a": 1}, map[string]any{"a": 2}}, v)
	require.NoError(t, cr.Close())
	require.NoError(t, cr.Close())
	require.Equal(t, 1, cur.closed)

	_, err = Realize(ctx, NewError(3, "bad"))
	require.EqualError(t, err, "bad")
}

func TestToConstantClosesSource(t *testing.T) {
	stream := &fakeStream{Reader: strings.NewReader("abc")}
	c, err := ToConstant(context.Background(), NewStream(stream, Builder{}))
	require.NoError(t, err)
	require.Equal(t, "abc", c.Value)
	require.Equal(t, 1, stream.calls)
}

func TestAsList(t *testing.T) {
	require.Equal(t, []any{}, AsList(nil))
	require.Equal(t, []any{1}, AsList(1))
	require.Equal(t, []any{"a", "b"}, AsList([]string{"a", "b"}))
}

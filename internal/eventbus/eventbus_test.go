package eventbus

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

type ping struct{ N int }
type pong struct{}

func TestPublishDispatchesByType(t *testing.T) {
	b := New()
	Use(b)
	t.Cleanup(func() { Use(nil) })

	var got []int
	un1 := Subscribe(func(_ context.Context, p ping) { got = append(got, p.N) })
	un2 := Subscribe(func(_ context.Context, p ping) { got = append(got, p.N*10) })
	Subscribe(func(context.Context, pong) { t.Fatal("pong handler called for ping") })

	Publish(context.Background(), ping{N: 1})
	require.Equal(t, []int{1, 10}, got)

	un1()
	un1()
	Publish(context.Background(), ping{N: 2})
	require.Equal(t, []int{1, 10, 20}, got)
	require.Equal(t, 1, Len[ping](b))

	un2()
	require.Equal(t, 0, Len[ping](b))
}

func TestPublishWithoutBus(t *testing.T) {
	Use(nil)
	unsubscribe := Subscribe(func(context.Context, ping) { t.Fatal("unexpected") })
	unsubscribe()
	Publish(context.Background(), ping{})
	require.Nil(t, Current())
}

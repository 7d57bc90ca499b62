package netcheck

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func listen(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()
	return ln.Addr().String()
}

func closedAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

func TestCheck_AllReachable(t *testing.T) {
	c := New([]string{listen(t), listen(t)}, time.Second, zerolog.Nop())

	require.NoError(t, c.Check(context.Background()))
	last := c.Last()
	require.Len(t, last, 2)
	for _, st := range last {
		assert.True(t, st.Reachable, st.Target)
		assert.Empty(t, st.Error)
	}
}

func TestCheck_JoinsFailures(t *testing.T) {
	up := listen(t)
	down := closedAddr(t)
	c := New([]string{up, down}, time.Second, zerolog.Nop())

	err := c.Check(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), down)
	assert.NotContains(t, err.Error(), up)

	last := c.Last()
	assert.True(t, last[0].Reachable)
	assert.False(t, last[1].Reachable)
}

func TestCheck_TimeoutBoundsProbe(t *testing.T) {
	c := New([]string{"blackhole:1"}, 50*time.Millisecond, zerolog.Nop())
	c.dial = func(ctx context.Context, _, _ string) (net.Conn, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	start := time.Now()
	err := c.Check(context.Background())
	require.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)
}

func TestCheck_NoTargets(t *testing.T) {
	c := New(nil, time.Second, zerolog.Nop())
	assert.NoError(t, c.Check(context.Background()))
	assert.Empty(t, c.Last())
}

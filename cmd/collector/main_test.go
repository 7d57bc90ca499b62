package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/adred-codev/collector/internal/reactor"
	"github.com/adred-codev/collector/internal/scheduler"
	"github.com/adred-codev/collector/internal/session"
	"github.com/adred-codev/collector/internal/shared/config"
	"github.com/adred-codev/collector/internal/shared/workerpool"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExitCode(t *testing.T) {
	bindErr := &reactor.BindError{Addr: ":80", Err: errors.New("address already in use")}

	assert.Equal(t, exitOK, exitCode(nil))
	assert.Equal(t, exitBindFailure, exitCode(bindErr))
	assert.Equal(t, exitBindFailure, exitCode(fmt.Errorf("serve: %w", bindErr)))
	assert.Equal(t, exitFatal, exitCode(errors.New("config validation failed")))
}

func TestRun_PortInUseIsBindError(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	cfg, err := config.Parse(map[string]string{
		"COLLECTOR_HOST": "127.0.0.1",
		"COLLECTOR_PORT": strconv.Itoa(ln.Addr().(*net.TCPAddr).Port),
		"ADMIN_ADDR":     "127.0.0.1:0",
	})
	require.NoError(t, err)

	err = run(context.Background(), cfg, zerolog.Nop())
	require.Error(t, err)
	assert.True(t, reactor.IsBindError(err))
	assert.Equal(t, exitBindFailure, exitCode(err))
}

func TestVersionCmd(t *testing.T) {
	cmd := versionCmd()
	var out strings.Builder
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--short"})
	require.NoError(t, cmd.Execute())
	assert.Equal(t, version+"\n", out.String())
}

func TestStopWork_DrainsQueuedTasksBeforeStoreCloses(t *testing.T) {
	pool := workerpool.NewWorkerPool(1, 8, zerolog.Nop())
	pool.Start(context.Background())

	sessions, err := session.NewManager(session.NewMemoryStore(), time.Minute, zerolog.Nop())
	require.NoError(t, err)

	sched, err := scheduler.New(pool, zerolog.Nop())
	require.NoError(t, err)

	const tasks = 4
	var (
		mu   sync.Mutex
		errs []error
	)
	for i := 0; i < tasks; i++ {
		require.NoError(t, pool.Submit(func(ctx context.Context) error {
			time.Sleep(10 * time.Millisecond)
			_, err := sessions.Count(ctx)
			return err
		}, func(err error) {
			mu.Lock()
			errs = append(errs, err)
			mu.Unlock()
		}))
	}

	// Same order as run: work stops, then the deferred closes.
	stopWork(sched, pool)
	require.NoError(t, sessions.Close())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, errs, tasks)
	for _, err := range errs {
		assert.NoError(t, err)
	}
}

package incremental

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestResultCell_ClaimWinsOnce(t *testing.T) {
	var runs atomic.Int32
	cell := newResultCell(func(ctx context.Context) int {
		runs.Add(1)
		return 42
	})

	const triggers = 32
	var claims atomic.Int32
	values := make(chan int, 1)
	var wg sync.WaitGroup
	for i := 0; i < triggers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if cell.claim() {
				claims.Add(1)
				values <- cell.invoke(context.Background())
			}
		}()
	}
	wg.Wait()

	require.Equal(t, int32(1), claims.Load())
	require.Equal(t, int32(1), runs.Load())
	require.Equal(t, 42, <-values)
}

func TestResultCell_ClaimRefusedAfterCompletion(t *testing.T) {
	cell := newResultCell(func(ctx context.Context) int { return 7 })

	require.True(t, cell.claim())
	require.Equal(t, 7, cell.invoke(context.Background()))
	require.False(t, cell.claim())
}

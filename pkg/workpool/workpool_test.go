package workpool

import (
	"sync/atomic"
	"testing"

	"github.com/cyclopcam/logs"
	"github.com/stretchr/testify/require"
)

func TestPoolRunsAllTasks(t *testing.T) {
	p := NewPool(logs.NewTestingLog(t), 2, 64)
	n := atomic.Int32{}
	for i := 0; i < 50; i++ {
		p.Submit(func() {
			n.Add(1)
		})
	}
	p.Close()
	require.Equal(t, int32(50), n.Load())
}

func TestCloseTwice(t *testing.T) {
	p := NewPool(logs.NewTestingLog(t), 1, 1)
	p.Close()
	p.Close()
}

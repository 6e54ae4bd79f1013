package groutine

import (
	"context"
	"runtime/pprof"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGoNamesTheGoroutine(t *testing.T) {
	names := make(chan string, 1)
	labels := make(chan string, 1)

	Go(nil, "session-01AABB", func(ctx context.Context) {
		names <- GetName(ctx)
		v, _ := pprof.Label(ctx, "goroutine_name")
		labels <- v
	})

	assert.Equal(t, "session-01AABB", <-names)
	assert.Equal(t, "session-01AABB", <-labels)
	assert.Equal(t, "", GetName(context.Background()))
}

func TestGroupWaitsForMembers(t *testing.T) {
	var g Group
	var done atomic.Int32

	release := make(chan struct{})
	for i := 0; i < 4; i++ {
		g.Go(context.Background(), "member", func(ctx context.Context) {
			<-release
			done.Add(1)
		})
	}

	close(release)
	g.Wait()
	assert.Equal(t, int32(4), done.Load())
}

package util

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetTracerConcurrentFirstUse(t *testing.T) {
	const callers = 8
	tracers := make([]interface{}, callers)

	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tracers[i] = GetTracer()
		}(i)
	}
	wg.Wait()

	require.NotNil(t, tracers[0])
	for i := 1; i < callers; i++ {
		assert.Equal(t, tracers[0], tracers[i], "lazy init must hand out one tracer")
	}
}

package registry

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterAndGet(t *testing.T) {
	r := New[string, int]()
	require.NoError(t, r.Register("billing.openUsageRecord", 1))
	require.NoError(t, r.Register("inference.provisionEndpoint", 2))

	v, ok := r.Get("billing.openUsageRecord")
	assert.True(t, ok)
	assert.Equal(t, 1, v)

	v, ok = r.Get("missing")
	assert.False(t, ok)
	assert.Zero(t, v)
	assert.True(t, r.Has("inference.provisionEndpoint"))
	assert.Equal(t, 2, r.Len())
}

func TestRegisterDuplicate(t *testing.T) {
	r := New[string, int]()
	require.NoError(t, r.Register("a", 1))
	assert.Error(t, r.Register("a", 2))

	v, _ := r.Get("a")
	assert.Equal(t, 1, v, "first registration wins")
	assert.Panics(t, func() { r.MustRegister("a", 3) })
}

func TestKeysSorted(t *testing.T) {
	r := New[string, struct{}]()
	r.MustRegister("c", struct{}{}).MustRegister("a", struct{}{}).MustRegister("b", struct{}{})
	assert.Equal(t, []string{"a", "b", "c"}, r.Keys())
}

func TestConcurrentAccess(t *testing.T) {
	r := New[string, int]()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			_ = r.Register(fmt.Sprintf("k%02d", i), i)
		}(i)
		go func() {
			defer wg.Done()
			_ = r.Keys()
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, r.Len())
}

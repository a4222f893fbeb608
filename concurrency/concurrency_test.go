package concurrency

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/hitboxcache/hitboxcache/cachekey"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNoopAlwaysProceeds(t *testing.T) {
	m := NewNoop[string]()
	key, err := cachekey.New("p", 1, nil)
	require.NoError(t, err)

	d, ch := m.Check(key)
	assert.Equal(t, Proceed, d)
	assert.Nil(t, ch)

	assert.Equal(t, "hello", m.Complete(key, "hello", nil))
}

func TestBroadcastElectsExactlyOneProceedUnderConcurrency(t *testing.T) {
	m := NewBroadcast[string]()
	key, err := cachekey.New("p", 1, nil)
	require.NoError(t, err)

	const n = 100
	var proceedCount int64
	var wg sync.WaitGroup
	channels := make([]<-chan Result[string], n)

	var mu sync.Mutex
	var electedOnce sync.Once
	electedDone := make(chan struct{})

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			d, ch := m.Check(key)
			if d == Proceed {
				atomic.AddInt64(&proceedCount, 1)
				electedOnce.Do(func() { close(electedDone) })
			} else {
				mu.Lock()
				channels[i] = ch
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	assert.EqualValues(t, 1, proceedCount, "exactly one caller must be elected to Proceed")

	m.Complete(key, "upstream-response", nil)

	for _, ch := range channels {
		if ch == nil {
			continue
		}
		result := <-ch
		require.NoError(t, result.Err)
		assert.Equal(t, "upstream-response", result.Response)
	}
}

func TestBroadcastRemovesEntryAfterComplete(t *testing.T) {
	m := NewBroadcast[string]()
	key, err := cachekey.New("p", 1, nil)
	require.NoError(t, err)

	d, _ := m.Check(key)
	require.Equal(t, Proceed, d)
	assert.Equal(t, 1, m.InFlight())

	m.Complete(key, "x", nil)
	assert.Equal(t, 0, m.InFlight())

	// A fresh Check for the same key after Complete must elect Proceed
	// again, not subscribe to a stale entry.
	d2, _ := m.Check(key)
	assert.Equal(t, Proceed, d2)
}

func TestBroadcastAbandonWakesWaitersWithConcurrencyError(t *testing.T) {
	m := NewBroadcast[string]()
	key, err := cachekey.New("p", 1, nil)
	require.NoError(t, err)

	d, _ := m.Check(key)
	require.Equal(t, Proceed, d)

	d2, waiterCh := m.Check(key)
	require.Equal(t, Await, d2)

	m.Abandon(key)

	result := <-waiterCh
	require.Error(t, result.Err)
	var cerr *ConcurrencyError
	assert.ErrorAs(t, result.Err, &cerr)
}

func TestBroadcastDistinctKeysDoNotCoalesce(t *testing.T) {
	m := NewBroadcast[string]()
	k1, err := cachekey.New("a", 1, nil)
	require.NoError(t, err)
	k2, err := cachekey.New("b", 1, nil)
	require.NoError(t, err)

	d1, _ := m.Check(k1)
	d2, _ := m.Check(k2)
	assert.Equal(t, Proceed, d1)
	assert.Equal(t, Proceed, d2)
}

package queue

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPutGetFIFOOrder(t *testing.T) {
	q := New(4)
	for i := 0; i < 4; i++ {
		q.Put(i)
	}
	for i := 0; i < 4; i++ {
		require.Equal(t, i, q.Get())
	}
}

func TestPutBlocksUntilSpace(t *testing.T) {
	q := New(1)
	q.Put("first")

	done := make(chan struct{})
	go func() {
		q.Put("second")
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("Put on a full queue returned before space was freed")
	case <-time.After(50 * time.Millisecond):
	}

	require.Equal(t, "first", q.Get())

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Put did not unblock after Get freed a slot")
	}
	require.Equal(t, "second", q.Get())
}

func TestGetBlocksUntilItem(t *testing.T) {
	q := New(2)
	result := make(chan interface{})
	go func() {
		result <- q.Get()
	}()

	select {
	case <-result:
		t.Fatal("Get on an empty queue returned before a Put happened")
	case <-time.After(50 * time.Millisecond):
	}

	q.Put(42)
	require.Equal(t, 42, <-result)
}

func TestNilIsAValidSentinelPayload(t *testing.T) {
	q := New(1)
	q.Put(nil)
	require.Nil(t, q.Get())
}

func TestCloseUnblocksPendingGet(t *testing.T) {
	q := New(1)
	result := make(chan interface{}, 1)
	go func() { result <- q.Get() }()

	select {
	case <-result:
		t.Fatal("Get on an empty queue returned before Close or a Put")
	case <-time.After(50 * time.Millisecond):
	}

	q.Close()

	select {
	case v := <-result:
		require.Nil(t, v)
	case <-time.After(time.Second):
		t.Fatal("Close did not unblock a pending Get")
	}
}

func TestCloseUnblocksPendingPut(t *testing.T) {
	q := New(1)
	q.Put("first")

	done := make(chan struct{})
	go func() {
		q.Put("second")
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("Put on a full queue returned before Close or a Get")
	case <-time.After(50 * time.Millisecond):
	}

	q.Close()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Close did not unblock a pending Put")
	}
}

func TestGetDrainsRemainingItemsAfterClose(t *testing.T) {
	q := New(4)
	q.Put(1)
	q.Put(2)
	q.Close()

	require.Equal(t, 1, q.Get())
	require.Equal(t, 2, q.Get())
	require.Nil(t, q.Get())
}

func TestConcurrentProducersConsumers(t *testing.T) {
	q := New(8)
	const n = 500

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		for i := 0; i < n; i++ {
			q.Put(i)
		}
	}()

	sum := 0
	go func() {
		defer wg.Done()
		for i := 0; i < n; i++ {
			sum += q.Get().(int)
		}
	}()

	wg.Wait()
	require.Equal(t, n*(n-1)/2, sum)
}

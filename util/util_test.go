package util

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClamp(t *testing.T) {
	require.Equal(t, int64(0), Clamp(-1, 0, 1))
	require.Equal(t, int64(1), Clamp(2, 0, 1))
	require.Equal(t, int64(0), Clamp(0, 0, 1))
	require.Equal(t, int64(1), Clamp(1, 0, 1))
}

func TestMin64Max64(t *testing.T) {
	require.Equal(t, int64(1), Min64(1, 2))
	require.Equal(t, int64(2), Max64(1, 2))
	require.Equal(t, int64(5), Min64(5, 5))
}

func TestSizeAccumulatorCountsConcurrentWrites(t *testing.T) {
	const writers = 20
	const chunk = "Hello World, how are you today?"

	acc := &SizeAccumulator{}
	var wg sync.WaitGroup
	wg.Add(writers)
	for i := 0; i < writers; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < len(chunk); j++ {
				n, err := acc.Write([]byte{chunk[j]})
				require.NoError(t, err)
				require.Equal(t, 1, n)
			}
		}()
	}
	wg.Wait()

	require.Equal(t, int64(writers*len(chunk)), acc.Size())
}

func TestCloserCallsCloseFunc(t *testing.T) {
	called := false
	c := Closer{CloseFunc: func() error {
		called = true
		return nil
	}}
	require.NoError(t, c.Close())
	require.True(t, called)
}

func TestCloserWithNilCloseFuncIsNoop(t *testing.T) {
	require.NoError(t, Closer{}.Close())
}

func TestCloserPropagatesError(t *testing.T) {
	want := errors.New("boom")
	c := Closer{CloseFunc: func() error { return want }}
	require.ErrorIs(t, c.Close(), want)
}

package queue

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBounded_FIFOOrder(t *testing.T) {
	q := NewBounded[int](4)
	for i := 1; i <= 3; i++ {
		overflowed := q.Push(i)
		assert.False(t, overflowed)
	}

	for i := 1; i <= 3; i++ {
		v, ok := q.Pop()
		require.True(t, ok)
		assert.Equal(t, i, v)
	}

	_, ok := q.Pop()
	assert.False(t, ok)
}

func TestBounded_DropOldestOnOverflow(t *testing.T) {
	q := NewBounded[int](3)
	q.Push(1)
	q.Push(2)
	q.Push(3)

	overflowed := q.Push(4)
	assert.True(t, overflowed)
	assert.Equal(t, 3, q.Len())

	// 1 was the oldest and must be gone.
	assert.Equal(t, []int{2, 3, 4}, q.Drain())
}

func TestBounded_LenNeverExceedsCap(t *testing.T) {
	q := NewBounded[int](4)
	for i := 0; i < 50; i++ {
		q.Push(i)
		assert.LessOrEqual(t, q.Len(), q.Cap())
	}
	assert.Equal(t, []int{46, 47, 48, 49}, q.Drain())
}

func TestBounded_TakeDropped(t *testing.T) {
	q := NewBounded[string](2)
	q.Push("a")
	q.Push("b")
	q.Push("c")
	q.Push("d")

	assert.Equal(t, 2, q.TakeDropped())
	assert.Equal(t, 0, q.TakeDropped())
}

func TestBounded_DrainEmpty(t *testing.T) {
	q := NewBounded[int](2)
	assert.Nil(t, q.Drain())
}

func TestBounded_ConcurrentPushPop(t *testing.T) {
	q := NewBounded[int](64)

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				q.Push(i)
				q.Pop()
			}
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, q.Len(), q.Cap())
}

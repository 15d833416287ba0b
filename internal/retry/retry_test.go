package retry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackoff_ExponentialGrowth(t *testing.T) {
	b := Backoff{Base: time.Second, Max: time.Minute, Multiplier: 2}

	assert.Equal(t, time.Second, b.Delay(0))
	assert.Equal(t, time.Second, b.Delay(1))
	assert.Equal(t, 2*time.Second, b.Delay(2))
	assert.Equal(t, 4*time.Second, b.Delay(3))
	assert.Equal(t, 8*time.Second, b.Delay(4))
}

func TestBackoff_CappedAtMax(t *testing.T) {
	b := Backoff{Base: time.Second, Max: 10 * time.Second, Multiplier: 3}

	assert.Equal(t, 10*time.Second, b.Delay(5))
	assert.Equal(t, 10*time.Second, b.Delay(100))
}

func TestBackoff_JitterStaysInBounds(t *testing.T) {
	b := Backoff{Base: time.Second, Max: time.Minute, Multiplier: 2, JitterFrac: 0.5}

	for i := 0; i < 100; i++ {
		d := b.Delay(3)
		assert.GreaterOrEqual(t, d, 2*time.Second)
		assert.LessOrEqual(t, d, 6*time.Second)
	}
}

func TestBackoff_Defaults(t *testing.T) {
	var b Backoff
	assert.Equal(t, DefaultBase, b.Delay(1))
	assert.Equal(t, 2*DefaultBase, b.Delay(2))
}

func TestQueue_PopReadyInDueOrder(t *testing.T) {
	q := NewQueue[string]()
	now := time.Now()

	q.PushAt("third", now.Add(3*time.Second))
	q.PushAt("first", now.Add(1*time.Second))
	q.PushAt("second", now.Add(2*time.Second))

	assert.Empty(t, q.PopReady(now))
	assert.Equal(t, []string{"first", "second"}, q.PopReady(now.Add(2*time.Second)))
	assert.Equal(t, []string{"third"}, q.PopReady(now.Add(time.Hour)))
	assert.Zero(t, q.Len())
}

func TestQueue_TiesBrokenByInsertionOrder(t *testing.T) {
	q := NewQueue[int]()
	due := time.Now().Add(time.Second)

	for i := 0; i < 5; i++ {
		q.PushAt(i, due)
	}

	assert.Equal(t, []int{0, 1, 2, 3, 4}, q.PopReady(due))
}

func TestQueue_NextDue(t *testing.T) {
	q := NewQueue[int]()

	_, ok := q.NextDue()
	assert.False(t, ok)

	now := time.Now()
	q.PushAt(1, now.Add(5*time.Second))
	q.PushAt(2, now.Add(time.Second))

	due, ok := q.NextDue()
	require.True(t, ok)
	assert.Equal(t, now.Add(time.Second), due)
}

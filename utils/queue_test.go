package utils

import (
	"context"
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFDQueueDrainFeed(t *testing.T) {
	const N = 1 << 10
	const K = 1 << 4

	queue := NewFDQueue[[][]byte](1024, time.Second)

	for k := 0; k < K; k++ {
		go func(k int) {
			i := uint64(k) << 32
			for n := uint64(0); n < N; n++ {
				var b [8]byte
				binary.LittleEndian.PutUint64(b[:], i|n)
				err := queue.Drain(context.Background(), [][]byte{b[:]})
				assert.Nil(t, err)
			}
		}(k)
	}

	check := [K]int{}
	for i := uint64(0); i < N*K; {
		nums, err := queue.Feed(context.Background())
		assert.Nil(t, err)
		for _, num := range nums {
			assert.Equal(t, 8, len(num))
			j := binary.LittleEndian.Uint64(num)
			k := int(j >> 32)
			n := int(j & 0xffffffff)
			assert.Equal(t, check[k], n)
			check[k] = n + 1
			i++
		}
	}

	assert.Nil(t, queue.Close())
	err := queue.Drain(context.Background(), [][]byte{{'a'}})
	assert.Equal(t, ErrClosed, err)
	_, err2 := queue.Feed(context.Background())
	assert.Equal(t, ErrClosed, err2)
}

func TestFDQueueFeedTimesOutEmpty(t *testing.T) {
	queue := NewFDQueue[[][]byte](16, 10*time.Millisecond)
	recs, err := queue.Feed(context.Background())
	assert.Nil(t, err)
	assert.Empty(t, recs)
}

func TestHeapOrdersByKey(t *testing.T) {
	var h Heap[uint32, string]
	h.Push(7, "seven")
	h.Push(1, "one")
	h.Push(4, "four")

	k, v, ok := h.Peek()
	assert.True(t, ok)
	assert.Equal(t, uint32(1), k)
	assert.Equal(t, "one", v)

	var keys []uint32
	for h.Len() > 0 {
		k, _ := h.Pop()
		keys = append(keys, k)
	}
	assert.Equal(t, []uint32{1, 4, 7}, keys)
}

func TestMovingAvgConverges(t *testing.T) {
	avg := NewMovingAvg(0.5)
	avg.Add(100)
	assert.Equal(t, 100.0, avg.Val())
	for i := 0; i < 32; i++ {
		avg.Add(200)
	}
	assert.InDelta(t, 200.0, avg.Val(), 0.01)
}

package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRing(t *testing.T) {
	testCases := []struct {
		name      string
		capacity  int
		push      []int
		lastN     int
		wantItems []int
		wantLast  []int
	}{
		{name: "Empty", capacity: 3, lastN: 2, wantItems: []int{}, wantLast: []int{}},
		{name: "Partially filled", capacity: 3, push: []int{1, 2}, lastN: 5, wantItems: []int{1, 2}, wantLast: []int{1, 2}},
		{name: "Exactly full", capacity: 3, push: []int{1, 2, 3}, lastN: 2, wantItems: []int{1, 2, 3}, wantLast: []int{2, 3}},
		{name: "Evicts oldest", capacity: 3, push: []int{1, 2, 3, 4, 5}, lastN: 1, wantItems: []int{3, 4, 5}, wantLast: []int{5}},
		{name: "Wraps many times", capacity: 2, push: []int{1, 2, 3, 4, 5, 6, 7}, lastN: 2, wantItems: []int{6, 7}, wantLast: []int{6, 7}},
		{name: "Zero capacity is clamped", capacity: 0, push: []int{1, 2}, lastN: 1, wantItems: []int{2}, wantLast: []int{2}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			r := NewRing[int](tc.capacity)
			for _, v := range tc.push {
				r.Push(v)
			}
			assert.Equal(t, tc.wantItems, r.Items())
			assert.Equal(t, tc.wantLast, r.Last(tc.lastN))
			assert.Equal(t, len(tc.wantItems), r.Len())
		})
	}
}

func TestRing_ItemsIsACopy(t *testing.T) {
	r := NewRing[int](2)
	r.Push(1)
	items := r.Items()
	items[0] = 99
	assert.Equal(t, []int{1}, r.Items())
}

package admission

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeWorker struct {
	load     int64
	admitted []int
	refuse   bool
}

func (f *fakeWorker) Load() int64 { return f.load }

func (f *fakeWorker) Admit(fd int, addr string) bool {
	if f.refuse {
		return false
	}
	f.admitted = append(f.admitted, fd)
	return true
}

func TestAccept_PicksLeastLoadedWorker(t *testing.T) {
	a := &fakeWorker{load: 5}
	b := &fakeWorker{load: 1}
	c := &fakeWorker{load: 3}
	layer := newFromHandles([]WorkerHandle{a, b, c})

	ok := layer.Accept(42, "peer:1")
	require.True(t, ok)

	assert.Equal(t, []int{42}, b.admitted)
	assert.Empty(t, a.admitted)
	assert.Empty(t, c.admitted)
}

func TestAccept_TiesBreakTowardLowerIndex(t *testing.T) {
	a := &fakeWorker{load: 2}
	b := &fakeWorker{load: 2}
	layer := newFromHandles([]WorkerHandle{a, b})

	ok := layer.Accept(7, "peer:1")
	require.True(t, ok)

	assert.Equal(t, []int{7}, a.admitted)
	assert.Empty(t, b.admitted)
}

func TestAccept_ReturnsFalseWhenChosenWorkerRefuses(t *testing.T) {
	a := &fakeWorker{load: 0, refuse: true}
	layer := newFromHandles([]WorkerHandle{a})

	ok := layer.Accept(1, "peer:1")
	assert.False(t, ok)
}

package vdisk

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestRetryQueueFIFO(t *testing.T) {
	var q retryQueue
	reqs := []*Request{{id: 1}, {id: 2}, {id: 3}}
	for _, r := range reqs {
		require.True(t, q.pushBack(r))
	}
	require.Equal(t, 3, q.len())

	for _, want := range reqs {
		got := q.popFront()
		assert.Equal(t, want.id, got.id)
		assert.False(t, got.queued)
	}
	assert.Nil(t, q.popFront())
}

func TestRetryQueuePushFront(t *testing.T) {
	var q retryQueue
	a, b, c := &Request{id: 1}, &Request{id: 2}, &Request{id: 3}
	q.pushBack(a)
	q.pushBack(b)
	q.pushBack(c)

	head := q.popFront()
	require.True(t, q.pushFront(head))
	assert.Equal(t, []*Request{a, b, c}, q.items)
}

func TestRetryQueueRefusesDuplicates(t *testing.T) {
	var q retryQueue
	r := &Request{id: 7}
	require.True(t, q.pushBack(r))
	assert.False(t, q.pushBack(r))
	assert.False(t, q.pushFront(r))
	assert.Equal(t, 1, q.len())

	all := q.takeAll()
	assert.Equal(t, []*Request{r}, all)
	assert.False(t, r.queued)
	assert.Equal(t, 0, q.len())
}

// retryQueueModel checks that no request is ever queued twice and that the
// queued flag tracks residency exactly.
type retryQueueModel struct {
	q     retryQueue
	reqs  []*Request
	model []*Request
}

func (m *retryQueueModel) contains(r *Request) bool {
	for _, x := range m.model {
		if x == r {
			return true
		}
	}
	return false
}

func (m *retryQueueModel) pick(t *rapid.T) *Request {
	return m.reqs[rapid.IntRange(0, len(m.reqs)-1).Draw(t, "request")]
}

func (m *retryQueueModel) pushBack(t *rapid.T) {
	r := m.pick(t)
	ok := m.q.pushBack(r)
	if ok == m.contains(r) {
		t.Fatalf("pushBack(%s) = %v with request already queued = %v", r, ok, m.contains(r))
	}
	if ok {
		m.model = append(m.model, r)
	}
}

func (m *retryQueueModel) pushFront(t *rapid.T) {
	r := m.pick(t)
	ok := m.q.pushFront(r)
	if ok == m.contains(r) {
		t.Fatalf("pushFront(%s) = %v with request already queued = %v", r, ok, m.contains(r))
	}
	if ok {
		m.model = append([]*Request{r}, m.model...)
	}
}

func (m *retryQueueModel) popFront(t *rapid.T) {
	r := m.q.popFront()
	if len(m.model) == 0 {
		if r != nil {
			t.Fatalf("popped %s from an empty queue", r)
		}
		return
	}
	if r != m.model[0] {
		t.Fatalf("popped %s, want %s", r, m.model[0])
	}
	m.model = m.model[1:]
}

func (m *retryQueueModel) check(t *rapid.T) {
	if m.q.len() != len(m.model) {
		t.Fatalf("queue holds %d requests, model %d", m.q.len(), len(m.model))
	}
	seen := make(map[*Request]bool)
	for i, r := range m.q.items {
		if seen[r] {
			t.Fatalf("%s queued twice", r)
		}
		seen[r] = true
		if r != m.model[i] {
			t.Fatalf("position %d holds %s, want %s", i, r, m.model[i])
		}
	}
	for _, r := range m.reqs {
		if r.queued != seen[r] {
			t.Fatalf("%s queued flag %v, in queue %v", r, r.queued, seen[r])
		}
	}
}

func TestRetryQueueProperties(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		m := &retryQueueModel{}
		for i := 0; i < 5; i++ {
			m.reqs = append(m.reqs, &Request{id: uint64(i + 1)})
		}
		t.Repeat(map[string]func(*rapid.T){
			"pushBack":  m.pushBack,
			"pushFront": m.pushFront,
			"popFront":  m.popFront,
			"":          m.check,
		})
	})
}

package vdisk

// retryQueue holds requests to replay after failover, oldest first. It is
// guarded by the device lock; the queued flag on each request keeps it from
// being added twice.
type retryQueue struct {
	items []*Request
}

// pushBack appends r unless it is already queued.
func (q *retryQueue) pushBack(r *Request) bool {
	if r.queued {
		return false
	}
	r.queued = true
	q.items = append(q.items, r)
	return true
}

// pushFront puts r back at the head, ahead of everything queued after it.
func (q *retryQueue) pushFront(r *Request) bool {
	if r.queued {
		return false
	}
	r.queued = true
	q.items = append(q.items, nil)
	copy(q.items[1:], q.items)
	q.items[0] = r
	return true
}

func (q *retryQueue) popFront() *Request {
	if len(q.items) == 0 {
		return nil
	}
	r := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	r.queued = false
	return r
}

// takeAll empties the queue and returns its contents in order.
func (q *retryQueue) takeAll() []*Request {
	items := q.items
	q.items = nil
	for _, r := range items {
		r.queued = false
	}
	return items
}

func (q *retryQueue) len() int {
	return len(q.items)
}

package queue

// item wraps a Job with its heap bookkeeping. seq breaks ties between jobs
// enqueued within the same clock tick so ordering stays deterministic.
type item struct {
	job   Job
	index int
	seq   uint64
}

type items []*item

func (h items) Len() int { return len(h) }

func (h items) Less(i, j int) bool {
	a, b := h[i], h[j]
	if !a.job.DueAt.Equal(b.job.DueAt) {
		return a.job.DueAt.Before(b.job.DueAt)
	}
	if a.job.Urgency != b.job.Urgency {
		return a.job.Urgency > b.job.Urgency
	}
	if !a.job.EnqueuedAt.Equal(b.job.EnqueuedAt) {
		return a.job.EnqueuedAt.Before(b.job.EnqueuedAt)
	}
	return a.seq < b.seq
}

func (h items) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *items) Push(x any) {
	it := x.(*item)
	it.index = len(*h)
	*h = append(*h, it)
}

func (h *items) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}

package runner

import (
	"taskrunner/internal/task"
)

// queue is the FIFO of pending tasks. The runner mutex guards it.
type queue struct {
	items []queued
	head  int
}

// queued marks tasks that already went through progress resolution, i.e.
// force-stopped tasks pushed back for re-admission.
type queued struct {
	task     task.Task
	resolved bool
}

func newQueue(tasks []task.Task) *queue {
	items := make([]queued, len(tasks))
	for i, t := range tasks {
		items[i] = queued{task: t.Clone()}
	}
	return &queue{items: items}
}

func (q *queue) Len() int { return len(q.items) - q.head }

func (q *queue) Pop() (queued, bool) {
	if q.Len() == 0 {
		return queued{}, false
	}
	e := q.items[q.head]
	q.items[q.head] = queued{}
	q.head++
	// Reclaim the consumed prefix once it dominates the slice.
	if q.head > 64 && q.head*2 >= len(q.items) {
		q.items = append([]queued(nil), q.items[q.head:]...)
		q.head = 0
	}
	return e, true
}

func (q *queue) PushBack(t task.Task) {
	q.items = append(q.items, queued{task: t, resolved: true})
}

func (q *queue) Handles() []string {
	out := make([]string, 0, q.Len())
	for _, e := range q.items[q.head:] {
		out = append(out, e.task.Handle)
	}
	return out
}

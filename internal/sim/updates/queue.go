package updates

import (
	"container/heap"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/google/uuid"

	"gridsim.ai/internal/sim/scene"
)

// Update is one entity update scheduled for a viewer.
type Update struct {
	Kind     scene.ChangeKind
	Entity   scene.Entity
	Priority float64
}

type entry struct {
	update Update
	index  int
}

// entryHeap is a min-heap on priority with local id as tie-break so equal scores
// pop in a stable order.
type entryHeap []*entry

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	a, b := h[i].update, h[j].update
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	return a.Entity.LocalID() < b.Entity.LocalID()
}

func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *entryHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// viewerQueue is the update state of one viewer. It is only touched by the worker
// that steps this viewer.
type viewerQueue struct {
	viewer uuid.UUID

	pending map[uuid.UUID]*entry
	heap    entryHeap

	// Entities the viewer's client currently knows about.
	sent map[uuid.UUID]bool

	needsRescan bool
	lastSortPos mgl64.Vec3
	lastDraw    float64
	lastChild   bool
}

func newViewerQueue(viewer uuid.UUID) *viewerQueue {
	return &viewerQueue{
		viewer:      viewer,
		pending:     map[uuid.UUID]*entry{},
		sent:        map[uuid.UUID]bool{},
		needsRescan: true,
	}
}

// push merges u into the pending set. Kills replace whatever is pending; other
// kinds keep the strongest of the two and take the newer priority.
func (q *viewerQueue) push(u Update) {
	id := u.Entity.ID()
	if e, ok := q.pending[id]; ok {
		if u.Kind != scene.ChangeKill && e.update.Kind != scene.ChangeKill && e.update.Kind > u.Kind {
			u.Kind = e.update.Kind
		}
		e.update = u
		heap.Fix(&q.heap, e.index)
		return
	}
	e := &entry{update: u}
	q.pending[id] = e
	heap.Push(&q.heap, e)
}

func (q *viewerQueue) drop(id uuid.UUID) {
	e, ok := q.pending[id]
	if !ok {
		return
	}
	heap.Remove(&q.heap, e.index)
	delete(q.pending, id)
}

func (q *viewerQueue) pendingKind(id uuid.UUID) (scene.ChangeKind, bool) {
	e, ok := q.pending[id]
	if !ok {
		return 0, false
	}
	return e.update.Kind, true
}

func (q *viewerQueue) pop() Update {
	e := heap.Pop(&q.heap).(*entry)
	delete(q.pending, e.update.Entity.ID())
	return e.update
}

// rescore recomputes every pending priority and restores heap order.
func (q *viewerQueue) rescore(score func(scene.Entity) float64) {
	for _, e := range q.heap {
		if e.update.Kind == scene.ChangeKill {
			continue
		}
		e.update.Priority = score(e.update.Entity)
	}
	heap.Init(&q.heap)
}

func (q *viewerQueue) Len() int { return len(q.heap) }

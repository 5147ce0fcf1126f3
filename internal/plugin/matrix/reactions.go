package matrix

import (
	"container/list"
	"sync"

	"maunium.net/go/mautrix/id"
)

// maxTrackedReactions bounds how many sent reactions stay removable.
const maxTrackedReactions = 1024

type reactionKey struct {
	room, target, name string
}

type reactionEntry struct {
	key     reactionKey
	eventID id.EventID
}

// reactionIndex remembers the event ids of reactions the bot sent so they
// can be redacted later. Past its size the least recently added entry is
// forgotten, and removing that reaction fails as if it was never sent.
type reactionIndex struct {
	mu    sync.Mutex
	max   int
	items map[reactionKey]*list.Element
	order *list.List // oldest at front
}

func newReactionIndex(max int) *reactionIndex {
	return &reactionIndex{
		max:   max,
		items: make(map[reactionKey]*list.Element),
		order: list.New(),
	}
}

func (r *reactionIndex) put(key reactionKey, eventID id.EventID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if el, ok := r.items[key]; ok {
		el.Value.(*reactionEntry).eventID = eventID
		r.order.MoveToBack(el)
		return
	}
	r.items[key] = r.order.PushBack(&reactionEntry{key: key, eventID: eventID})
	for r.order.Len() > r.max {
		oldest := r.order.Front()
		r.order.Remove(oldest)
		delete(r.items, oldest.Value.(*reactionEntry).key)
	}
}

// take removes and returns the event id stored for key.
func (r *reactionIndex) take(key reactionKey) (id.EventID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	el, ok := r.items[key]
	if !ok {
		return "", false
	}
	r.order.Remove(el)
	delete(r.items, key)
	return el.Value.(*reactionEntry).eventID, true
}

func (r *reactionIndex) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.order.Len()
}

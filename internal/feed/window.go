package feed

import (
	"sort"

	"github.com/zhouzirui/coachfeed/backend/internal/model/chat"
)

// Window is the locally loaded, contiguous slice of a session log: committed
// turns only, strictly ordered by CreatedAt, at most once per id. It is not
// safe for concurrent use; Session guards it.
type Window struct {
	turns []chat.Turn
	index map[string]int
}

// NewWindow returns an empty window.
func NewWindow() *Window {
	return &Window{index: make(map[string]int)}
}

// Len returns the number of loaded turns.
func (w *Window) Len() int { return len(w.turns) }

// Turns returns a copy of the loaded turns.
func (w *Window) Turns() []chat.Turn {
	out := make([]chat.Turn, len(w.turns))
	copy(out, w.turns)
	return out
}

// Contains reports whether a turn with id is loaded.
func (w *Window) Contains(id string) bool {
	_, ok := w.index[id]
	return ok
}

// First returns the oldest loaded turn.
func (w *Window) First() (chat.Turn, bool) {
	if len(w.turns) == 0 {
		return chat.Turn{}, false
	}
	return w.turns[0], true
}

// Oldest is the pagination cursor for the next older page.
func (w *Window) Oldest() chat.Cursor {
	if len(w.turns) == 0 {
		return chat.NoCursor
	}
	return w.turns[0].CreatedAt
}

// Newest is the cursor live tail delivery resumes after.
func (w *Window) Newest() chat.Cursor {
	if len(w.turns) == 0 {
		return chat.NoCursor
	}
	return w.turns[len(w.turns)-1].CreatedAt
}

// Merge folds committed turns into the window and returns how many were new.
// A known id is replaced in place; an unknown one is appended when it is newer
// than the tail and inserted at its sorted position otherwise. Merging the
// same turns again is a no-op.
func (w *Window) Merge(turns ...chat.Turn) int {
	added := 0
	for _, t := range turns {
		t.Status = chat.StatusCommitted
		if w.upsert(t) {
			added++
		}
	}
	return added
}

func (w *Window) upsert(t chat.Turn) bool {
	if i, ok := w.index[t.ID]; ok {
		if w.turns[i].CreatedAt == t.CreatedAt {
			w.turns[i] = t
			return false
		}
		// the store's createdAt is authoritative; re-seat the turn
		w.remove(i)
		w.insert(t)
		return false
	}
	w.insert(t)
	return true
}

func (w *Window) insert(t chat.Turn) {
	n := len(w.turns)
	if n == 0 || less(w.turns[n-1], t) {
		w.turns = append(w.turns, t)
		w.index[t.ID] = n
		return
	}

	pos := sort.Search(n, func(i int) bool { return less(t, w.turns[i]) })
	w.turns = append(w.turns, chat.Turn{})
	copy(w.turns[pos+1:], w.turns[pos:])
	w.turns[pos] = t
	w.reindex(pos)
}

func (w *Window) remove(i int) {
	delete(w.index, w.turns[i].ID)
	w.turns = append(w.turns[:i], w.turns[i+1:]...)
	w.reindex(i)
}

func (w *Window) reindex(from int) {
	for i := from; i < len(w.turns); i++ {
		w.index[w.turns[i].ID] = i
	}
}

// less orders by CreatedAt; the id tie-break only keeps order deterministic
// if a store ever hands out equal cursors.
func less(a, b chat.Turn) bool {
	if a.CreatedAt != b.CreatedAt {
		return a.CreatedAt < b.CreatedAt
	}
	return a.ID < b.ID
}

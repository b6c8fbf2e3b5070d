package session

import (
	"slices"
	"strings"
	"sync"

	"github.com/samber/lo"
	"github.com/stemsi/exstem-attempt/internal/model"
)

// Answer is the buffered answer of one question.
type Answer struct {
	Selected []int64 // ascending, never mutated in place
	Text     string
}

// Empty reports whether the answer counts as unanswered.
func (a Answer) Empty() bool {
	return len(a.Selected) == 0 && strings.TrimSpace(a.Text) == ""
}

// Snapshot is an immutable view of the answer buffer.
type Snapshot struct {
	answers map[int64]Answer
}

// Len returns the number of questions the student has touched.
func (s Snapshot) Len() int { return len(s.answers) }

// Get returns the answer for a question (zero Answer if untouched).
func (s Snapshot) Get(questionID int64) Answer { return s.answers[questionID] }

// Selected reports whether optionID is selected for questionID.
func (s Snapshot) Selected(questionID, optionID int64) bool {
	_, found := slices.BinarySearch(s.answers[questionID].Selected, optionID)
	return found
}

// Answered returns the IDs of questions with a non-empty answer, ascending.
func (s Snapshot) Answered() []int64 {
	ids := lo.Filter(lo.Keys(s.answers), func(id int64, _ int) bool {
		return !s.answers[id].Empty()
	})
	slices.Sort(ids)
	return ids
}

// Entries converts the whole snapshot to the wire form, ordered by question ID.
// Cleared answers are kept so the backend overwrites what it saved earlier.
func (s Snapshot) Entries() []model.AnswerEntry {
	ids := lo.Keys(s.answers)
	slices.Sort(ids)

	entries := make([]model.AnswerEntry, 0, len(ids))
	for _, id := range ids {
		a := s.answers[id]
		entries = append(entries, model.AnswerEntry{
			QuestionID: id,
			AnswerIDs:  append([]int64{}, a.Selected...),
			Text:       a.Text,
		})
	}
	return entries
}

func (s Snapshot) with(questionID int64, a Answer) Snapshot {
	next := make(map[int64]Answer, len(s.answers)+1)
	for k, v := range s.answers {
		next[k] = v
	}
	next[questionID] = a
	return Snapshot{answers: next}
}

// Buffer holds the student's unsent answers. It does not validate IDs.
type Buffer struct {
	mu       sync.Mutex
	snap     Snapshot
	observer func(Snapshot)
}

// NewBuffer creates an empty buffer.
func NewBuffer() *Buffer {
	return &Buffer{snap: Snapshot{answers: map[int64]Answer{}}}
}

// Observe registers the function notified after every mutation.
func (b *Buffer) Observe(fn func(Snapshot)) {
	b.mu.Lock()
	b.observer = fn
	b.mu.Unlock()
}

// Snapshot returns the current state.
func (b *Buffer) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.snap
}

// Toggle adds optionID to the selection of questionID if absent and removes
// it if present.
func (b *Buffer) Toggle(questionID, optionID int64) Snapshot {
	return b.mutate(questionID, func(a Answer) Answer {
		a.Selected = toggleID(a.Selected, optionID)
		return a
	})
}

// ToggleExclusive selects optionID as the only selection of questionID, or
// clears the selection if optionID was already the selection.
func (b *Buffer) ToggleExclusive(questionID, optionID int64) Snapshot {
	return b.mutate(questionID, func(a Answer) Answer {
		if len(a.Selected) == 1 && a.Selected[0] == optionID {
			a.Selected = nil
		} else {
			a.Selected = []int64{optionID}
		}
		return a
	})
}

// SetText overwrites the free-text answer of questionID.
func (b *Buffer) SetText(questionID int64, text string) Snapshot {
	return b.mutate(questionID, func(a Answer) Answer {
		a.Text = text
		return a
	})
}

// Hydrate replaces the buffer content with previously saved answers.
// Observers are not notified: hydrated state is already saved.
func (b *Buffer) Hydrate(entries []model.AnswerEntry) {
	answers := make(map[int64]Answer, len(entries))
	for _, e := range entries {
		sel := lo.Uniq(e.AnswerIDs)
		slices.Sort(sel)
		answers[e.QuestionID] = Answer{Selected: sel, Text: e.Text}
	}

	b.mu.Lock()
	b.snap = Snapshot{answers: answers}
	b.mu.Unlock()
}

func (b *Buffer) mutate(questionID int64, fn func(Answer) Answer) Snapshot {
	b.mu.Lock()
	next := b.snap.with(questionID, fn(b.snap.answers[questionID]))
	b.snap = next
	observer := b.observer
	b.mu.Unlock()

	if observer != nil {
		observer(next)
	}
	return next
}

// toggleID returns a new sorted slice with id added or removed.
func toggleID(sorted []int64, id int64) []int64 {
	i, found := slices.BinarySearch(sorted, id)
	if found {
		return slices.Delete(slices.Clone(sorted), i, i+1)
	}
	return slices.Insert(slices.Clone(sorted), i, id)
}

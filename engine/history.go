package engine

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/xvanov/collabcanvas-sub002/models"
)

// History keeps the bounded undo and redo stacks for one session. Only
// actions originated by this session are recorded; remote and replayed
// mutations never enter the stacks.
//
// The applier runs the actual document mutation. It must not call Record,
// or undone actions would be recorded twice.
type History struct {
	mu     sync.Mutex
	past   []models.Action
	future []models.Action
	limit  int
	apply  func(models.Action) error
	log    *logrus.Entry
}

func NewHistory(limit int, apply func(models.Action) error, log *logrus.Entry) *History {
	return &History{
		limit: limit,
		apply: apply,
		log:   log,
	}
}

// Record pushes a completed action onto the undo stack, clears the redo
// stack, and evicts the oldest entry beyond the limit.
func (h *History) Record(action models.Action) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.past = append(h.past, action)
	if len(h.past) > h.limit {
		h.past = append(h.past[:0], h.past[1:]...)
	}
	h.future = h.future[:0]
}

// Undo applies the inverse of the most recent action and moves it to the
// redo stack. An empty stack is a silent no-op returning (nil, nil). If the
// applier refuses, the action stays on the undo stack and the error is
// returned.
func (h *History) Undo() (models.Action, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.past) == 0 {
		return nil, nil
	}
	action := h.past[len(h.past)-1]
	if err := h.apply(action.Invert()); err != nil {
		h.log.WithError(err).WithField("kind", action.Kind()).Warn("Undo refused")
		return nil, err
	}
	h.past = h.past[:len(h.past)-1]
	h.future = append(h.future, action)
	return action, nil
}

// Redo re-applies the most recently undone action verbatim and moves it
// back to the undo stack. Same contract as Undo.
func (h *History) Redo() (models.Action, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.future) == 0 {
		return nil, nil
	}
	action := h.future[len(h.future)-1]
	if err := h.apply(action); err != nil {
		h.log.WithError(err).WithField("kind", action.Kind()).Warn("Redo refused")
		return nil, err
	}
	h.future = h.future[:len(h.future)-1]
	h.past = append(h.past, action)
	return action, nil
}

func (h *History) CanUndo() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.past) > 0
}

func (h *History) CanRedo() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.future) > 0
}

// Len returns the undo and redo stack depths.
func (h *History) Len() (past, future int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.past), len(h.future)
}

func (h *History) Clear() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.past = h.past[:0]
	h.future = h.future[:0]
}

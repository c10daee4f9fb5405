package transfer

import (
	"sync"
)

// Status is the single transfer-wide state. It is the one authority on what
// the session is doing; everything else reports into it.
type Status string

const (
	StatusIdle         Status = "idle"
	StatusConnecting   Status = "connecting"
	StatusTransferring Status = "transferring"
	StatusCompleted    Status = "completed"
	StatusError        Status = "error"
	StatusCancelled    Status = "cancelled"
)

// IsTerminal reports whether the status is final.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusError || s == StatusCancelled
}

// allowedTransitions is the full transition table, self-loops included.
// Terminal states only transition to themselves.
var allowedTransitions = map[Status][]Status{
	StatusIdle:         {StatusIdle, StatusConnecting},
	StatusConnecting:   {StatusConnecting, StatusTransferring, StatusCompleted, StatusError, StatusCancelled},
	StatusTransferring: {StatusTransferring, StatusCompleted, StatusError, StatusCancelled},
	StatusCompleted:    {StatusCompleted},
	StatusError:        {StatusError},
	StatusCancelled:    {StatusCancelled},
}

// CanTransitionTo checks the transition table.
func (s Status) CanTransitionTo(next Status) bool {
	for _, t := range allowedTransitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// StateMachine composes events from the session controller, the transfer
// engine, and timers into one idempotent outcome. Disallowed transitions
// are silently dropped (the prior state wins), which makes the machine
// commutative under duplicate and late events: both peers and timers can
// emit conflicting terminal signals.
type StateMachine struct {
	mu         sync.Mutex
	status     Status
	generation uint64
	finalized  bool
	files      []FileMetadata
	progress   map[int]*FileProgress
	errMsg     string
}

// NewStateMachine starts at idle, generation 1.
func NewStateMachine() *StateMachine {
	return &StateMachine{
		status:     StatusIdle,
		generation: 1,
		progress:   make(map[int]*FileProgress),
	}
}

// Generation is the token events must carry to touch the current session.
func (m *StateMachine) Generation() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.generation
}

// Status returns the current status.
func (m *StateMachine) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Error returns the recorded error string, if any.
func (m *StateMachine) Error() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.errMsg
}

// Apply requests a transition on behalf of generation gen. Events from a
// stale, already-reset session are discarded; disallowed transitions are
// dropped; the first terminal event commits and every later terminal event
// of any kind is a no-op. The return value reports whether the transition
// took effect.
func (m *StateMachine) Apply(gen uint64, next Status) bool {
	return m.apply(gen, next, "")
}

// ApplyError is Apply for the error status, recording the message alongside.
func (m *StateMachine) ApplyError(gen uint64, msg string) bool {
	return m.apply(gen, StatusError, msg)
}

func (m *StateMachine) apply(gen uint64, next Status, errMsg string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.generation {
		return false
	}
	if next.IsTerminal() && m.finalized {
		return false
	}
	if !m.status.CanTransitionTo(next) {
		return false
	}
	changed := m.status != next
	m.status = next
	if next.IsTerminal() {
		m.finalized = true
		if next == StatusError {
			m.errMsg = errMsg
		}
	}
	return changed
}

// SetFiles records the immutable announcement list for the session.
func (m *StateMachine) SetFiles(gen uint64, files []FileMetadata) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.generation {
		return
	}
	m.files = files
}

// Files returns the announced file list.
func (m *StateMachine) Files() []FileMetadata {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.files
}

// UpdateProgress records per-file progress. Progress for a cancelled file is
// dropped; the cancelled marker wins.
func (m *StateMachine) UpdateProgress(gen uint64, p FileProgress) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.generation {
		return
	}
	if existing, ok := m.progress[p.FileIndex]; ok && existing.Cancelled {
		return
	}
	cp := p
	m.progress[p.FileIndex] = &cp
}

// MarkCancelled replaces a file's progress entry with a cancellation marker
// naming the cancelling role. The file is excluded from completion
// accounting from here on.
func (m *StateMachine) MarkCancelled(gen uint64, fileIndex int, by string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.generation {
		return
	}
	m.progress[fileIndex] = &FileProgress{FileIndex: fileIndex, Cancelled: true, CancelledBy: by}
}

// FileProgress returns a copy of the progress entry for fileIndex.
func (m *StateMachine) FileProgress(fileIndex int) (FileProgress, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.progress[fileIndex]
	if !ok {
		return FileProgress{}, false
	}
	return *p, true
}

// Reset abandons the current session: the generation is bumped so any event
// still in flight for the old session can no longer mutate state.
func (m *StateMachine) Reset() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.generation++
	m.status = StatusIdle
	m.finalized = false
	m.files = nil
	m.progress = make(map[int]*FileProgress)
	m.errMsg = ""
	return m.generation
}

package retell

import (
	"sync"
	"time"
)

// CallStatus is the lifecycle phase of a call as seen by consumers.
type CallStatus string

const (
	CallStatusIdle       CallStatus = "idle"
	CallStatusConnecting CallStatus = "connecting"
	CallStatusActive     CallStatus = "active"
	CallStatusEnded      CallStatus = "ended"
	CallStatusError      CallStatus = "error"
)

// Role of a transcript utterance.
type Role string

const (
	RoleAssistant Role = "assistant"
	RoleUser      Role = "user"
)

// Word is one word-level alignment inside an utterance. Start and End
// are offsets in seconds from the beginning of the call.
type Word struct {
	Word  string  `json:"word"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

// TranscriptItem is a single utterance. Words is present only when the
// service returned word-level alignments for it.
type TranscriptItem struct {
	Role      Role       `json:"role"`
	Content   string     `json:"content"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
	Words     []Word     `json:"words,omitempty"`
}

// CallState is the full consumer-facing call snapshot. Transcript is in
// append order, which is chronological.
type CallState struct {
	Status     CallStatus       `json:"status"`
	Transcript []TranscriptItem `json:"transcript"`
	Error      string           `json:"error,omitempty"`
	Muted      bool             `json:"muted"`
}

// CallStateTracker folds client events into a CallState. All methods are
// safe for concurrent use; Snapshot returns a copy that is not mutated
// by later events.
type CallStateTracker struct {
	mu    sync.Mutex
	state CallState
}

func NewCallStateTracker() *CallStateTracker {
	return &CallStateTracker{
		state: CallState{Status: CallStatusIdle},
	}
}

func (t *CallStateTracker) SetStatus(status CallStatus) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state.Status = status
	if status != CallStatusError {
		t.state.Error = ""
	}
}

func (t *CallStateTracker) Status() CallStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state.Status
}

func (t *CallStateTracker) Append(item TranscriptItem) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state.Transcript = append(t.state.Transcript, item)
}

// ReplaceTranscript swaps in the full transcript carried by an update
// event. The service sends the whole history each time, so replacing
// keeps ordering authoritative.
func (t *CallStateTracker) ReplaceTranscript(items []TranscriptItem) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state.Transcript = append(t.state.Transcript[:0:0], items...)
}

func (t *CallStateTracker) SetMuted(muted bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state.Muted = muted
}

func (t *CallStateTracker) SetError(msg string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state.Status = CallStatusError
	t.state.Error = msg
}

func (t *CallStateTracker) Snapshot() CallState {
	t.mu.Lock()
	defer t.mu.Unlock()
	snap := t.state
	snap.Transcript = append([]TranscriptItem(nil), t.state.Transcript...)
	return snap
}

// Apply folds one client event into the state. Unknown event types are
// ignored so tracker consumers stay forward compatible.
func (t *CallStateTracker) Apply(event *Event) {
	if event == nil {
		return
	}
	switch p := event.Param.(type) {
	case *EventParamCallStarted:
		t.SetStatus(CallStatusActive)
	case *EventParamCallEnded:
		t.SetStatus(CallStatusEnded)
	case *EventParamUpdate:
		t.ReplaceTranscript(p.Transcript)
	case *EventParamError:
		t.SetError(p.Message)
	}
}

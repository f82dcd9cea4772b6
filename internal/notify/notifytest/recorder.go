// Package notifytest provides a recording notify.Host for tests.
package notifytest

import (
	"sync"

	"github.com/nexus-edge/gigacore-gateway/internal/domain"
)

// Feedback is one CheckFeedbacks call.
type Feedback struct {
	Fired  domain.ChangeSet
	Tokens []string
}

// Status is one UpdateStatus call.
type Status struct {
	Status  domain.DeviceStatus
	Message string
}

// Recorder records every host call. It is safe for concurrent use.
type Recorder struct {
	mu        sync.Mutex
	calls     []string
	variables map[string]any
	feedbacks []Feedback
	statuses  []Status
}

// New returns an empty recorder.
func New() *Recorder {
	return &Recorder{variables: make(map[string]any)}
}

func (r *Recorder) InitActions()   { r.record("actions") }
func (r *Recorder) InitVariables() { r.record("variables") }
func (r *Recorder) InitPresets()   { r.record("presets") }
func (r *Recorder) InitFeedbacks() { r.record("feedbacks") }

func (r *Recorder) SetVariableValues(values map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, "set_variables")
	for k, v := range values {
		r.variables[k] = v
	}
}

func (r *Recorder) CheckFeedbacks(fired domain.ChangeSet, tokens []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, "check_feedbacks")
	r.feedbacks = append(r.feedbacks, Feedback{Fired: fired, Tokens: append([]string(nil), tokens...)})
}

func (r *Recorder) UpdateStatus(status domain.DeviceStatus, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, "status")
	r.statuses = append(r.statuses, Status{Status: status, Message: message})
}

func (r *Recorder) record(call string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call)
}

// Calls returns the call log in order.
func (r *Recorder) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

// Count returns how many times call was made.
func (r *Recorder) Count(call string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.calls {
		if c == call {
			n++
		}
	}
	return n
}

// Variable returns the last value set for name.
func (r *Recorder) Variable(name string) (any, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.variables[name]
	return v, ok
}

// Feedbacks returns every CheckFeedbacks call.
func (r *Recorder) Feedbacks() []Feedback {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Feedback(nil), r.feedbacks...)
}

// Fired returns the union of every fired change set.
func (r *Recorder) Fired() domain.ChangeSet {
	r.mu.Lock()
	defer r.mu.Unlock()
	var s domain.ChangeSet
	for _, f := range r.feedbacks {
		s |= f.Fired
	}
	return s
}

// Statuses returns every status update.
func (r *Recorder) Statuses() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Status(nil), r.statuses...)
}

// LastStatus returns the most recent status update.
func (r *Recorder) LastStatus() (Status, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.statuses) == 0 {
		return Status{}, false
	}
	return r.statuses[len(r.statuses)-1], true
}

// Reset clears everything recorded so far.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = nil
	r.variables = make(map[string]any)
	r.feedbacks = nil
	r.statuses = nil
}

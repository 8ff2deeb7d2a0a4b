package turn

import (
	"context"
	"sync"

	"github.com/nidhogg/skillrelay/internal/activity"
)

// Recorder is an in-memory Adapter that keeps everything sent through it.
// It backs tests and the skill-side server.
type Recorder struct {
	mu      sync.Mutex
	Sent    []*activity.Activity
	Updated []*activity.Activity
	Deleted []string
}

// NewRecorder creates an empty Recorder.
func NewRecorder() *Recorder { return &Recorder{} }

func (r *Recorder) SendActivities(_ context.Context, _ *Context, acts []*activity.Activity) ([]activity.ResourceResponse, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]activity.ResourceResponse, len(acts))
	for i, a := range acts {
		out[i] = activity.ResourceResponse{ID: a.EnsureID()}
		r.Sent = append(r.Sent, a)
	}
	return out, nil
}

func (r *Recorder) UpdateActivity(_ context.Context, _ *Context, act *activity.Activity) (*activity.ResourceResponse, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Updated = append(r.Updated, act)
	return &activity.ResourceResponse{ID: act.ID}, nil
}

func (r *Recorder) DeleteActivity(_ context.Context, _ *Context, ref activity.ConversationReference) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Deleted = append(r.Deleted, ref.ActivityID)
	return nil
}

// SentOfType returns the recorded activities of the given type.
func (r *Recorder) SentOfType(t activity.Type) []*activity.Activity {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*activity.Activity
	for _, a := range r.Sent {
		if a.Type == t {
			out = append(out, a)
		}
	}
	return out
}

// Reset drops everything recorded so far.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Sent, r.Updated, r.Deleted = nil, nil, nil
}

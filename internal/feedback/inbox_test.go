package feedback_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"forgeline/internal/domain"
	"forgeline/internal/feedback"
)

type memInbox struct {
	mu       sync.Mutex
	requests map[int]domain.FeedbackRequest
}

func newMemInbox() *memInbox {
	return &memInbox{requests: map[int]domain.FeedbackRequest{}}
}

func (m *memInbox) RequestFeedback(ctx context.Context, fr domain.FeedbackRequest) (domain.FeedbackRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.requests[fr.Step]; ok {
		return existing, nil
	}
	fr.Status = "pending"
	m.requests[fr.Step] = fr
	return fr, nil
}

func (m *memInbox) answer(step int, text string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fr := m.requests[step]
	fr.Status = "answered"
	fr.Response = &text
	m.requests[step] = fr
}

func TestInboxAwaitsThenReturnsAnswer(t *testing.T) {
	store := newMemInbox()
	in := feedback.Inbox{Store: store}
	req := feedback.Request{WorkflowID: "wf-1", Stage: domain.StageCode, Step: 6, Prompt: "review"}

	_, err := in.Collect(context.Background(), req)
	assert.ErrorIs(t, err, domain.ErrAwaitingInput)

	store.answer(6, "")
	got, err := in.Collect(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "", got, "empty answers are returned verbatim")
	assert.Len(t, store.requests, 1)
}

func TestInboxPollsUntilAnswered(t *testing.T) {
	store := newMemInbox()
	in := feedback.Inbox{Store: store, PollInterval: 5 * time.Millisecond}
	req := feedback.Request{WorkflowID: "wf-1", Stage: domain.StageUserStories, Step: 2}

	done := make(chan string, 1)
	go func() {
		got, _ := in.Collect(context.Background(), req)
		done <- got
	}()
	require.Eventually(t, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		_, ok := store.requests[2]
		return ok
	}, time.Second, time.Millisecond)
	store.answer(2, "add password reset")
	select {
	case got := <-done:
		assert.Equal(t, "add password reset", got)
	case <-time.After(time.Second):
		t.Fatal("collector did not return")
	}
}

func TestInboxTimeout(t *testing.T) {
	in := feedback.Inbox{Store: newMemInbox(), PollInterval: time.Millisecond}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := in.Collect(ctx, feedback.Request{WorkflowID: "wf-1", Stage: domain.StageCode, Step: 1})
	assert.ErrorIs(t, err, domain.ErrHumanInputTimeout)
}

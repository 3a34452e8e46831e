package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"turnero/ticket-service/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testEvent() models.Event {
	return models.Event{
		EventID:       "ev-1",
		TicketID:      "t-1",
		SequenceLabel: "A-001",
		BranchID:      "centro",
		CategoryID:    "general",
		FromState:     models.StateWaiting,
		ToState:       models.StateAbandoned,
		Reason:        models.ReasonNoShow,
		Timestamp:     time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC),
	}
}

type recordingTarget struct {
	mu       sync.Mutex
	failures int
	calls    int
	sent     []Notification
	done     chan struct{}
}

func (r *recordingTarget) Name() string { return "recording" }

func (r *recordingTarget) Send(ctx context.Context, n Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.calls <= r.failures {
		return errors.New("temporary failure")
	}
	r.sent = append(r.sent, n)
	if r.done != nil {
		close(r.done)
		r.done = nil
	}
	return nil
}

func TestRenderTemplate(t *testing.T) {
	n := Render(testEvent())
	assert.Equal(t, "ticket.abandoned", n.Type)
	assert.Equal(t, "Turno A-001 cerrado (no-show).", n.Message)

	issued := testEvent()
	issued.FromState = 0
	issued.ToState = models.StateWaiting
	assert.Equal(t, "Turno A-001 registrado.", Render(issued).Message)
}

func TestEmitDropsWhenBufferFull(t *testing.T) {
	d := NewDispatcher(Config{Buffer: 1})
	require.NoError(t, d.Emit(context.Background(), testEvent()))
	assert.ErrorIs(t, d.Emit(context.Background(), testEvent()), ErrBufferFull)
}

func TestDispatcherRetriesUntilDelivered(t *testing.T) {
	done := make(chan struct{})
	target := &recordingTarget{failures: 2, done: done}
	d := NewDispatcher(Config{Workers: 1, MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond}, target)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	require.NoError(t, d.Emit(ctx, testEvent()))
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("notification was not delivered")
	}

	target.mu.Lock()
	defer target.mu.Unlock()
	assert.Equal(t, 3, target.calls)
	require.Len(t, target.sent, 1)
	assert.Equal(t, "ev-1", target.sent[0].Event.EventID)
}

func TestDispatcherGivesUpAfterMaxAttempts(t *testing.T) {
	target := &recordingTarget{failures: 10}
	d := NewDispatcher(Config{MaxAttempts: 2, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond}, target)

	before := notifyFailures.Value()
	d.deliver(context.Background(), testEvent())

	assert.Equal(t, 2, target.calls)
	assert.Empty(t, target.sent)
	assert.Equal(t, before+1, notifyFailures.Value())
}

func TestWebhookProvider(t *testing.T) {
	var got Notification
	var auth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	provider := NewProvider("webhook", server.URL, "secret")
	require.Equal(t, "webhook", provider.Name())
	require.NoError(t, provider.Send(context.Background(), Render(testEvent())))
	assert.Equal(t, "Bearer secret", auth)
	assert.Equal(t, "A-001", got.Event.SequenceLabel)
	assert.Equal(t, models.StateAbandoned, got.Event.ToState)
}

func TestWebhookProviderRejected(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	err := NewProvider(server.URL, "", "").Send(context.Background(), Render(testEvent()))
	assert.Error(t, err)
}

func TestNewProviderFallbacks(t *testing.T) {
	assert.Equal(t, "log", NewProvider("", "", "").Name())
	assert.Equal(t, "log", NewProvider("webhook", "", "").Name())
	assert.Equal(t, "noop", NewProvider("noop", "", "").Name())
	assert.Error(t, NewProvider("fail", "", "").Send(context.Background(), Notification{}))
}

package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MikeSquared-Agency/chorus/internal/event"
	"github.com/MikeSquared-Agency/chorus/internal/hermes"
	"github.com/MikeSquared-Agency/chorus/internal/store"
	"github.com/MikeSquared-Agency/chorus/internal/transcript"
)

type published struct {
	subject string
	data    any
}

type fakePublisher struct {
	mu   sync.Mutex
	msgs []published
	err  error
}

func (f *fakePublisher) Publish(subject string, data any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, published{subject, data})
	return f.err
}

func (f *fakePublisher) subjects() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.msgs))
	for i, m := range f.msgs {
		out[i] = m.subject
	}
	return out
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestService(t *testing.T) (*Service, *fakePublisher) {
	t.Helper()
	pub := &fakePublisher{}
	svc := New(store.NewMemory(), pub, transcript.DefaultPolicy(), quietLogger())
	clock := time.UnixMilli(1_700_000_000_000)
	svc.now = func() time.Time {
		clock = clock.Add(10 * time.Millisecond)
		return clock
	}
	return svc, pub
}

func mustCreate(t *testing.T, svc *Service, id, agent string) {
	t.Helper()
	_, err := svc.CreateSession(context.Background(), CreateRequest{SessionID: id, AgentName: agent})
	require.NoError(t, err)
}

func TestCreateSession_GeneratesID(t *testing.T) {
	svc, _ := newTestService(t)
	sess, err := svc.CreateSession(context.Background(), CreateRequest{AgentName: " Concierge "})
	require.NoError(t, err)
	assert.NotEmpty(t, sess.ID)
	assert.Equal(t, "Concierge", sess.ActiveAgentID)
}

func TestSubmit_AppendsAndRequestsTurn(t *testing.T) {
	svc, pub := newTestService(t)
	ctx := context.Background()
	mustCreate(t, svc, "s1", "Concierge")

	e, dup, err := svc.Submit(ctx, "s1", "Hello", "c1")
	require.NoError(t, err)
	assert.False(t, dup)
	assert.Equal(t, "c1", e.MessageID)
	assert.Equal(t, event.RoleUser, e.Role)
	assert.True(t, e.Final)
	require.NotNil(t, e.Sequence)
	assert.Equal(t, int64(1), *e.Sequence)
	require.NotNil(t, e.Timestamp)

	assert.Equal(t, []string{hermes.SubjectEventAppended, hermes.SubjectTurnRequested}, pub.subjects())
	req, ok := pub.msgs[1].data.(hermes.TurnRequest)
	require.True(t, ok)
	assert.Equal(t, "Concierge", req.AgentID)
	assert.Equal(t, "Hello", req.Text)
	assert.Equal(t, int64(1), req.Seq)
}

func TestSubmit_IdempotentByClientMessageID(t *testing.T) {
	svc, pub := newTestService(t)
	ctx := context.Background()
	mustCreate(t, svc, "s1", "")

	first, _, err := svc.Submit(ctx, "s1", "Hello", "c1")
	require.NoError(t, err)
	second, dup, err := svc.Submit(ctx, "s1", "Hello again", "c1")
	require.NoError(t, err)

	assert.True(t, dup)
	assert.Equal(t, first, second)

	events, err := svc.Events(ctx, "s1", store.ListOptions{})
	require.NoError(t, err)
	assert.Len(t, events, 1)
	assert.Len(t, pub.subjects(), 2, "no second turn request")
}

func TestSubmit_WithoutClientIDAlwaysAppends(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	mustCreate(t, svc, "s1", "")

	a, _, err := svc.Submit(ctx, "s1", "Hello", "")
	require.NoError(t, err)
	b, _, err := svc.Submit(ctx, "s1", "Hello", "")
	require.NoError(t, err)
	assert.NotEqual(t, a.MessageID, b.MessageID)
}

func TestSubmit_Validation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	mustCreate(t, svc, "s1", "")

	_, _, err := svc.Submit(ctx, "s1", "   ", "c1")
	assert.ErrorIs(t, err, ErrInvalid)

	_, _, err = svc.Submit(ctx, "missing", "Hello", "c1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSubmit_ConcurrentDuplicatesAppendOnce(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	mustCreate(t, svc, "s1", "")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := svc.Submit(ctx, "s1", "Hello", "c1")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	events, err := svc.Events(ctx, "s1", store.ListOptions{})
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestSubmit_PublishFailureDoesNotFail(t *testing.T) {
	svc, pub := newTestService(t)
	pub.err = errors.New("nats down")
	mustCreate(t, svc, "s1", "")

	_, _, err := svc.Submit(context.Background(), "s1", "Hello", "")
	assert.NoError(t, err)
}

func TestSubmit_NilPublisher(t *testing.T) {
	svc := New(store.NewMemory(), nil, transcript.DefaultPolicy(), quietLogger())
	mustCreate(t, svc, "s1", "")

	_, _, err := svc.Submit(context.Background(), "s1", "Hello", "")
	assert.NoError(t, err)
}

func TestIngest_AssignsSequenceAndOpensSession(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	stored, err := svc.Ingest(ctx, event.Event{SessionID: "s9", Kind: event.KindToken, MessageID: "m1", Text: "Hel", AgentID: "Weather"})
	require.NoError(t, err)
	require.NotNil(t, stored.Sequence)
	assert.Equal(t, int64(1), *stored.Sequence)
	assert.NotNil(t, stored.Timestamp)

	sess, err := svc.GetSession(ctx, "s9")
	require.NoError(t, err)
	assert.Equal(t, "Weather", sess.ActiveAgentID)
}

func TestIngest_KeepsProducerSequence(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	seq := int64(40)
	ts := int64(123)

	stored, err := svc.Ingest(ctx, event.Event{SessionID: "s1", Kind: event.KindMessage, Sequence: &seq, Timestamp: &ts})
	require.NoError(t, err)
	assert.Equal(t, int64(40), *stored.Sequence)
	assert.Equal(t, int64(123), *stored.Timestamp)

	next, err := svc.Ingest(ctx, event.Event{SessionID: "s1", Kind: event.KindOther})
	require.NoError(t, err)
	assert.Equal(t, int64(41), *next.Sequence)
}

func TestIngest_TakenSequenceIsReassigned(t *testing.T) {
	svc, pub := newTestService(t)
	ctx := context.Background()
	mustCreate(t, svc, "s1", "Concierge")

	user, _, err := svc.Submit(ctx, "s1", "hi", "c1")
	require.NoError(t, err)
	require.Equal(t, int64(1), *user.Sequence)

	seq := int64(1)
	reply, err := svc.Ingest(ctx, event.Event{
		SessionID: "s1",
		Kind:      event.KindMessage,
		Sequence:  &seq,
		Role:      event.RoleAssistant,
		MessageID: "c1",
		Text:      "Hello there",
		Final:     true,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), *reply.Sequence)
	assert.EqualValues(t, 1, reply.Data[ProducerSeqKey])

	res, err := svc.Transcript(ctx, "s1", TranscriptRequest{})
	require.NoError(t, err)
	require.Len(t, res.Messages, 2)
	assert.Equal(t, "hi", res.Messages[0].Text)
	assert.Equal(t, "Hello there", res.Messages[1].Text)

	appended := 0
	for _, subject := range pub.subjects() {
		if subject == hermes.SubjectEventAppended {
			appended++
		}
	}
	assert.Equal(t, 2, appended, "one notification per stored event")
}

func TestIngest_ReplayIsStoredOnce(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	seq := int64(5)
	e := event.Event{SessionID: "s1", Kind: event.KindMessage, Sequence: &seq, Role: event.RoleAssistant, MessageID: "a1", Text: "Hi", Final: true}

	_, err := svc.Ingest(ctx, e)
	require.NoError(t, err)
	again, err := svc.Ingest(ctx, e)
	require.NoError(t, err)
	assert.Equal(t, int64(5), *again.Sequence)

	events, err := svc.Events(ctx, "s1", store.ListOptions{})
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestIngest_Validation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Ingest(ctx, event.Event{Kind: event.KindMessage})
	assert.ErrorIs(t, err, ErrInvalid)

	_, err = svc.Ingest(ctx, event.Event{SessionID: "s1", Kind: event.KindMessage, Optimistic: true})
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestIngestBatch_RejectsForeignSession(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.IngestBatch(ctx, "s1", []event.Event{
		{Kind: event.KindToken, MessageID: "m1", Text: "a"},
		{SessionID: "s2", Kind: event.KindToken, MessageID: "m1", Text: "b"},
	})
	assert.ErrorIs(t, err, ErrInvalid)

	_, err = svc.GetSession(ctx, "s1")
	assert.ErrorIs(t, err, store.ErrNotFound, "nothing stored when validation fails")
}

func TestSetActiveAgent_AppendsHandoff(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	mustCreate(t, svc, "s1", "Concierge")

	e, err := svc.SetActiveAgent(ctx, "s1", "Billing")
	require.NoError(t, err)
	assert.Equal(t, event.KindHandoff, e.Kind)
	assert.Equal(t, ReasonManualSwitch, e.Reason)
	assert.Equal(t, "Concierge", e.Data["from_agent"])
	assert.Equal(t, "Billing", e.Data["to_agent"])

	sess, err := svc.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "Billing", sess.ActiveAgentID)

	res, err := svc.Transcript(ctx, "s1", TranscriptRequest{})
	require.NoError(t, err)
	require.Len(t, res.Messages, 1)
	assert.Equal(t, "Handed off from Concierge to Billing (manual_switch)", res.Messages[0].Text)
}

func TestSetActiveAgent_Errors(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	mustCreate(t, svc, "s1", "")

	_, err := svc.SetActiveAgent(ctx, "s1", " ")
	assert.ErrorIs(t, err, ErrInvalid)
	_, err = svc.SetActiveAgent(ctx, "missing", "Billing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestEvents_SinceAndUnknown(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	mustCreate(t, svc, "s1", "")
	for _, text := range []string{"a", "b", "c"} {
		_, _, err := svc.Submit(ctx, "s1", text, "")
		require.NoError(t, err)
	}

	since := int64(1)
	events, err := svc.Events(ctx, "s1", store.ListOptions{SinceSeq: &since})
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "b", events[0].Text)

	_, err = svc.Events(ctx, "missing", store.ListOptions{})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestDeleteSession(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	mustCreate(t, svc, "s1", "")

	require.NoError(t, svc.DeleteSession(ctx, "s1"))
	assert.ErrorIs(t, svc.DeleteSession(ctx, "s1"), store.ErrNotFound)
}

func TestTranscript_ReconcilesOptimisticAndStreams(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	mustCreate(t, svc, "s1", "Concierge")

	placeholder := event.NewOptimistic("s1", "What's the weather?", svc.now())
	_, _, err := svc.Submit(ctx, "s1", "What's the weather?", placeholder.MessageID)
	require.NoError(t, err)

	_, err = svc.IngestBatch(ctx, "s1", []event.Event{
		{Kind: event.KindToken, MessageID: "a1", Text: "It is "},
		{Kind: event.KindToken, MessageID: "a1", Text: "sunny"},
	})
	require.NoError(t, err)

	res, err := svc.Transcript(ctx, "s1", TranscriptRequest{Optimistic: []event.Event{placeholder}})
	require.NoError(t, err)

	require.Len(t, res.Messages, 2)
	assert.Equal(t, "What's the weather?", res.Messages[0].Text)
	assert.False(t, res.Messages[0].Optimistic)
	assert.Equal(t, "It is sunny", res.Messages[1].Text)
	assert.True(t, res.Messages[1].Streaming)
	assert.True(t, res.Streaming)
	assert.Equal(t, 1, res.Stats.Superseded)
}

func TestTranscript_PendingPlaceholderShown(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	mustCreate(t, svc, "s1", "")

	res, err := svc.Transcript(ctx, "s1", TranscriptRequest{
		Optimistic: []event.Event{{MessageID: "c1", Text: "typing fast"}},
	})
	require.NoError(t, err)
	require.Len(t, res.Messages, 1)
	assert.True(t, res.Messages[0].Optimistic)
	assert.Equal(t, transcript.KindUser, res.Messages[0].Kind)
}

func TestTranscript_UnknownSession(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.Transcript(context.Background(), "missing", TranscriptRequest{})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

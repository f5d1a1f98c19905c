package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/edline/chatsync/internal/auth"
	"github.com/edline/chatsync/internal/cache"
	"github.com/edline/chatsync/internal/chat"
	"github.com/edline/chatsync/internal/kv"
	"github.com/edline/chatsync/internal/outbox"
	"github.com/edline/chatsync/internal/proto"
	"github.com/edline/chatsync/internal/store"
	"github.com/edline/chatsync/internal/transport"
)

type fakeRequest struct {
	Event   string
	Payload json.RawMessage
}

// fakeTransport is a scripted in-process relay. Tests swap its responder
// to simulate outages, rejections and acknowledgements.
type fakeTransport struct {
	mu          sync.Mutex
	respond     func(event string, payload json.RawMessage) (json.RawMessage, error)
	requests    []fakeRequest
	emits       []fakeRequest
	subs        map[string][]transport.Handler
	onReconnect []func()
}

var _ transport.Client = (*fakeTransport)(nil)

func newFakeTransport() *fakeTransport {
	return &fakeTransport{subs: make(map[string][]transport.Handler)}
}

func (f *fakeTransport) Connect(context.Context, auth.Credentials) error { return nil }
func (f *fakeTransport) Disconnect() error                               { return nil }

func (f *fakeTransport) Request(_ context.Context, event string, payload any) (json.RawMessage, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.requests = append(f.requests, fakeRequest{Event: event, Payload: raw})
	respond := f.respond
	f.mu.Unlock()
	if respond == nil {
		return nil, fmt.Errorf("request %s: %w", event, chat.ErrTransportUnavailable)
	}
	return respond(event, raw)
}

func (f *fakeTransport) Emit(_ context.Context, event string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.emits = append(f.emits, fakeRequest{Event: event, Payload: raw})
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) Subscribe(event string, handler transport.Handler) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs[event] = append(f.subs[event], handler)
	return func() {}
}

func (f *fakeTransport) OnReconnect(handler func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onReconnect = append(f.onReconnect, handler)
}

func (f *fakeTransport) setRespond(fn func(event string, payload json.RawMessage) (json.RawMessage, error)) {
	f.mu.Lock()
	f.respond = fn
	f.mu.Unlock()
}

// push delivers a server-initiated event to every subscriber.
func (f *fakeTransport) push(t *testing.T, event string, payload any) {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("encode push payload: %v", err)
	}
	f.mu.Lock()
	handlers := append([]transport.Handler{}, f.subs[event]...)
	f.mu.Unlock()
	for _, h := range handlers {
		h(raw)
	}
}

func (f *fakeTransport) fireReconnect() {
	f.mu.Lock()
	handlers := append([]func(){}, f.onReconnect...)
	f.mu.Unlock()
	for _, h := range handlers {
		h()
	}
}

func (f *fakeTransport) requestCount(event string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, r := range f.requests {
		if r.Event == event {
			n++
		}
	}
	return n
}

func (f *fakeTransport) lastRequest(t *testing.T, event string) fakeRequest {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.requests) - 1; i >= 0; i-- {
		if f.requests[i].Event == event {
			return f.requests[i]
		}
	}
	t.Fatalf("no %s request captured", event)
	return fakeRequest{}
}

// ackSends responds to sendMessage with a confirmed record carrying a
// server-assigned identifier. Other events get an empty list.
func ackSends(serverIDs ...string) func(string, json.RawMessage) (json.RawMessage, error) {
	var mu sync.Mutex
	next := 0
	return func(event string, payload json.RawMessage) (json.RawMessage, error) {
		if event != proto.EventSendMessage {
			return json.Marshal([]proto.Communication{})
		}
		var data proto.SendMessageData
		if err := json.Unmarshal(payload, &data); err != nil {
			return nil, err
		}
		mu.Lock()
		id := serverIDs[next%len(serverIDs)]
		next++
		mu.Unlock()
		return json.Marshal(proto.Communication{
			ID:          id,
			CourseID:    data.CourseID,
			Message:     data.Message,
			ChannelType: data.ChannelType,
			Status:      string(chat.StatusSent),
			CreatedAt:   time.Now().UTC().Add(time.Hour), // server clock skew
		})
	}
}

func newTestEngine(t *testing.T, ft *fakeTransport) (*Engine, kv.Store) {
	t.Helper()
	backing := kv.NewMemory()
	return newTestEngineOn(t, ft, backing), backing
}

func newTestEngineOn(t *testing.T, ft *fakeTransport, backing kv.Store) *Engine {
	t.Helper()
	logger := zerolog.Nop()
	queue := outbox.New(backing)
	messages := cache.New[[]chat.Message](backing, store.MessagesKeyPrefix)
	return New(ft, nil, queue, messages, Options{SenderID: "student-7"}, &logger)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func viewMessages(t *testing.T, e *Engine, conversationID string) []chat.Message {
	t.Helper()
	msgs, err := e.View().Conversation(context.Background(), conversationID)
	if err != nil {
		t.Fatalf("read conversation: %v", err)
	}
	return msgs
}

func statusOf(t *testing.T, e *Engine, conversationID, messageID string) (chat.Status, bool) {
	t.Helper()
	for _, m := range viewMessages(t, e, conversationID) {
		if m.ID == messageID {
			return m.Status, true
		}
	}
	return "", false
}

func TestSendReturnsOptimisticEntryImmediately(t *testing.T) {
	ft := newFakeTransport() // no responder: transport down
	e, _ := newTestEngine(t, ft)

	msg, err := e.Send(context.Background(), "course-1", "hello", chat.ChannelLiveChat, "")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if !msg.Optimistic || msg.Status != chat.StatusPending {
		t.Fatalf("expected optimistic PENDING entry, got %+v", msg)
	}
	if !chat.IsProvisionalID(msg.ID) {
		t.Fatalf("expected provisional ID, got %q", msg.ID)
	}

	// The failed delivery surfaces as FAILED status, never as a late error.
	waitFor(t, "FAILED status", func() bool {
		s, ok := statusOf(t, e, "course-1", msg.ID)
		return ok && s == chat.StatusFailed
	})
}

func TestSendSettlesToServerRecord(t *testing.T) {
	ft := newFakeTransport()
	e, backing := newTestEngine(t, ft)

	// The entry must be durable by the time the transport sees it.
	durableAtSend := false
	ft.setRespond(func(event string, payload json.RawMessage) (json.RawMessage, error) {
		if event == proto.EventSendMessage {
			if _, err := backing.Get(context.Background(), outbox.KeyPrefix+"course-1"); err == nil {
				durableAtSend = true
			}
		}
		return ackSends("000000000000000000000abc")(event, payload)
	})

	msg, err := e.Send(context.Background(), "course-1", "hello", chat.ChannelLiveChat, "")
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	waitFor(t, "settlement", func() bool {
		s, ok := statusOf(t, e, "course-1", "000000000000000000000abc")
		return ok && s == chat.StatusSent
	})
	if !durableAtSend {
		t.Fatal("transport saw the message before it was durably queued")
	}

	msgs := viewMessages(t, e, "course-1")
	if len(msgs) != 1 {
		t.Fatalf("expected the provisional entry replaced, got %+v", msgs)
	}
	got := msgs[0]
	if got.Optimistic {
		t.Fatal("confirmed record still flagged optimistic")
	}
	if !got.CreatedAt.Equal(msg.CreatedAt) {
		t.Fatalf("display timestamp changed on confirmation: sent %v, got %v", msg.CreatedAt, got.CreatedAt)
	}
	if q := e.queue.List("course-1"); len(q) != 0 {
		t.Fatalf("confirmed message still queued: %+v", q)
	}
}

type flakyStore struct {
	kv.Store
	failPrefix string
}

func (s *flakyStore) Put(ctx context.Context, key string, value []byte) error {
	if strings.HasPrefix(key, s.failPrefix) {
		return errors.New("write denied")
	}
	return s.Store.Put(ctx, key, value)
}

func TestSendRollsBackWhenQueueWriteFails(t *testing.T) {
	ft := newFakeTransport()
	logger := zerolog.Nop()
	backing := &flakyStore{Store: kv.NewMemory(), failPrefix: outbox.KeyPrefix}
	queue := outbox.New(backing)
	messages := cache.New[[]chat.Message](backing, store.MessagesKeyPrefix)
	e := New(ft, nil, queue, messages, Options{SenderID: "student-7"}, &logger)

	_, err := e.Send(context.Background(), "course-1", "hello", chat.ChannelLiveChat, "")
	if !errors.Is(err, chat.ErrPersistence) {
		t.Fatalf("expected persistence failure, got %v", err)
	}

	// The optimistic entry must not remain visible after the rollback.
	if msgs := viewMessages(t, e, "course-1"); len(msgs) != 0 {
		t.Fatalf("rolled-back entry still visible: %+v", msgs)
	}
}

func TestMalformedRecipientDroppedNotRejected(t *testing.T) {
	ft := newFakeTransport()
	ft.setRespond(ackSends("000000000000000000000001"))
	e, _ := newTestEngine(t, ft)

	if _, err := e.Send(context.Background(), "course-1", "hi", chat.ChannelLiveChat, "not-an-object-id"); err != nil {
		t.Fatalf("send with malformed recipient must not fail: %v", err)
	}

	waitFor(t, "sendMessage request", func() bool {
		return ft.requestCount(proto.EventSendMessage) > 0
	})
	var data proto.SendMessageData
	if err := json.Unmarshal(ft.lastRequest(t, proto.EventSendMessage).Payload, &data); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if data.InstructorID != "" {
		t.Fatalf("malformed recipient leaked into payload: %q", data.InstructorID)
	}
}

func TestRetryResendsFailedEntries(t *testing.T) {
	ft := newFakeTransport()
	e, _ := newTestEngine(t, ft)

	msg, err := e.Send(context.Background(), "course-1", "hello", chat.ChannelLiveChat, "")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	waitFor(t, "FAILED status", func() bool {
		s, ok := statusOf(t, e, "course-1", msg.ID)
		return ok && s == chat.StatusFailed
	})

	ft.setRespond(ackSends("000000000000000000000002"))
	if err := e.RetryPending(context.Background(), "course-1"); err != nil {
		t.Fatalf("retry: %v", err)
	}

	s, ok := statusOf(t, e, "course-1", "000000000000000000000002")
	if !ok || s != chat.StatusSent {
		t.Fatalf("expected confirmed record after retry, ok=%v status=%s", ok, s)
	}
	if got := ft.requestCount(proto.EventSendMessage); got != 2 {
		t.Fatalf("expected exactly 2 delivery attempts, got %d", got)
	}
	if q := e.queue.List("course-1"); len(q) != 0 {
		t.Fatalf("entry still queued after retry: %+v", q)
	}
}

func TestRetryNeverResendsSettledEntries(t *testing.T) {
	ft := newFakeTransport()
	ft.setRespond(ackSends("000000000000000000000003"))
	e, _ := newTestEngine(t, ft)

	settled := chat.Message{
		ID:             "000000000000000000000004",
		ConversationID: "course-1",
		Body:           "already confirmed",
		CreatedAt:      time.Now().UTC(),
		Channel:        chat.ChannelLiveChat,
		Status:         chat.StatusSent,
	}
	if err := e.queue.Enqueue(context.Background(), settled); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	if err := e.RetryPending(context.Background(), "course-1"); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if got := ft.requestCount(proto.EventSendMessage); got != 0 {
		t.Fatalf("settled entry was re-sent %d times", got)
	}
	if q := e.queue.List("course-1"); len(q) != 0 {
		t.Fatalf("settled entry not dropped from queue: %+v", q)
	}
}

func TestRetryMessageRejectsSettledEntry(t *testing.T) {
	ft := newFakeTransport()
	e, _ := newTestEngine(t, ft)

	settled := chat.Message{
		ID:             "00000000000000000000000c",
		ConversationID: "course-1",
		Body:           "already confirmed",
		CreatedAt:      time.Now().UTC(),
		Channel:        chat.ChannelLiveChat,
		Status:         chat.StatusSent,
	}
	if err := e.queue.Enqueue(context.Background(), settled); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	err := e.RetryMessage(context.Background(), "course-1", settled.ID)
	if !errors.Is(err, chat.ErrDuplicateSend) {
		t.Fatalf("expected duplicate-send rejection, got %v", err)
	}
	if got := ft.requestCount(proto.EventSendMessage); got != 0 {
		t.Fatalf("settled entry re-sent %d times", got)
	}
}

func TestRetryMessageResendsFailedEntry(t *testing.T) {
	ft := newFakeTransport()
	e, _ := newTestEngine(t, ft)

	msg, err := e.Send(context.Background(), "course-1", "hello", chat.ChannelLiveChat, "")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	waitFor(t, "FAILED status", func() bool {
		s, ok := statusOf(t, e, "course-1", msg.ID)
		return ok && s == chat.StatusFailed
	})

	ft.setRespond(ackSends("00000000000000000000000d"))
	if err := e.RetryMessage(context.Background(), "course-1", msg.ID); err != nil {
		t.Fatalf("retry message: %v", err)
	}
	s, ok := statusOf(t, e, "course-1", "00000000000000000000000d")
	if !ok || s != chat.StatusSent {
		t.Fatalf("expected confirmed record, ok=%v status=%s", ok, s)
	}
}

func TestRetryPassesCollapse(t *testing.T) {
	ft := newFakeTransport()
	e, _ := newTestEngine(t, ft)

	msg, err := e.Send(context.Background(), "course-1", "hello", chat.ChannelLiveChat, "")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	waitFor(t, "FAILED status", func() bool {
		s, ok := statusOf(t, e, "course-1", msg.ID)
		return ok && s == chat.StatusFailed
	})

	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	ft.setRespond(func(event string, payload json.RawMessage) (json.RawMessage, error) {
		once.Do(func() { close(started) })
		<-release
		return ackSends("000000000000000000000005")(event, payload)
	})

	done := make(chan error, 1)
	go func() { done <- e.RetryPending(context.Background(), "course-1") }()
	<-started

	// A second pass while the first is in flight returns without sending.
	if err := e.RetryPending(context.Background(), "course-1"); err != nil {
		t.Fatalf("overlapping retry: %v", err)
	}
	if got := ft.requestCount(proto.EventSendMessage); got != 2 {
		t.Fatalf("overlapping pass issued extra sends: %d attempts", got)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("retry: %v", err)
	}
}

func TestDisplayOrderIsSubmissionOrder(t *testing.T) {
	ft := newFakeTransport()
	// Server timestamps are skewed an hour ahead; display order must still
	// follow submission order.
	ft.setRespond(ackSends("000000000000000000000011", "000000000000000000000012"))
	e, _ := newTestEngine(t, ft)

	ctx := context.Background()
	first, err := e.Send(ctx, "course-1", "first", chat.ChannelLiveChat, "")
	if err != nil {
		t.Fatalf("send first: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	second, err := e.Send(ctx, "course-1", "second", chat.ChannelLiveChat, "")
	if err != nil {
		t.Fatalf("send second: %v", err)
	}

	waitFor(t, "both settled", func() bool {
		return len(e.queue.List("course-1")) == 0
	})

	msgs := viewMessages(t, e, "course-1")
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %+v", msgs)
	}
	if msgs[0].Body != "first" || msgs[1].Body != "second" {
		t.Fatalf("display order diverged from submission order: %q, %q", msgs[0].Body, msgs[1].Body)
	}
	if !msgs[0].CreatedAt.Equal(first.CreatedAt) || !msgs[1].CreatedAt.Equal(second.CreatedAt) {
		t.Fatal("confirmation replaced the submission timestamps")
	}
}

func TestPendingWorkSurvivesRestart(t *testing.T) {
	ft := newFakeTransport() // down
	backing := kv.NewMemory()
	e1 := newTestEngineOn(t, ft, backing)

	msg, err := e1.Send(context.Background(), "course-1", "hello", chat.ChannelLiveChat, "")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	waitFor(t, "FAILED status", func() bool {
		s, ok := statusOf(t, e1, "course-1", msg.ID)
		return ok && s == chat.StatusFailed
	})

	// Fresh engine over the same durable store simulates a restart.
	ft2 := newFakeTransport()
	e2 := newTestEngineOn(t, ft2, backing)

	msgs, err := e2.Initialize(context.Background(), "course-1", chat.ChannelLiveChat)
	if err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if len(msgs) != 1 || msgs[0].ID != msg.ID || msgs[0].Status != chat.StatusFailed {
		t.Fatalf("pending work lost across restart: %+v", msgs)
	}

	ft2.setRespond(ackSends("000000000000000000000006"))
	if err := e2.RetryPending(context.Background(), "course-1"); err != nil {
		t.Fatalf("retry: %v", err)
	}
	s, ok := statusOf(t, e2, "course-1", "000000000000000000000006")
	if !ok || s != chat.StatusSent {
		t.Fatalf("restored entry did not settle, ok=%v status=%s", ok, s)
	}
}

func TestInitializeMergesAuthoritativeWithPending(t *testing.T) {
	ft := newFakeTransport() // down, so the first send fails
	e, _ := newTestEngine(t, ft)

	ctx := context.Background()
	local, err := e.Send(ctx, "course-1", "unsent", chat.ChannelLiveChat, "")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	waitFor(t, "FAILED status", func() bool {
		s, ok := statusOf(t, e, "course-1", local.ID)
		return ok && s == chat.StatusFailed
	})

	server := proto.Communication{
		ID:          "000000000000000000000007",
		CourseID:    "course-1",
		Message:     "from the instructor",
		ChannelType: string(chat.ChannelLiveChat),
		Status:      string(chat.StatusSent),
		CreatedAt:   local.CreatedAt.Add(-time.Minute),
	}
	ft.setRespond(func(event string, _ json.RawMessage) (json.RawMessage, error) {
		if event == proto.EventGetCommunications {
			return json.Marshal([]proto.Communication{server})
		}
		return nil, fmt.Errorf("request %s: %w", event, chat.ErrTransportUnavailable)
	})

	msgs, err := e.Initialize(ctx, "course-1", chat.ChannelLiveChat)
	if err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected server record plus pending entry, got %+v", msgs)
	}
	if msgs[0].ID != server.ID || msgs[1].ID != local.ID {
		t.Fatalf("unexpected merge order: %q, %q", msgs[0].ID, msgs[1].ID)
	}
}

func TestReconnectTriggersRetry(t *testing.T) {
	ft := newFakeTransport()
	e, _ := newTestEngine(t, ft)

	msg, err := e.Send(context.Background(), "course-1", "hello", chat.ChannelLiveChat, "")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	waitFor(t, "FAILED status", func() bool {
		s, ok := statusOf(t, e, "course-1", msg.ID)
		return ok && s == chat.StatusFailed
	})

	ft.setRespond(ackSends("000000000000000000000008"))
	ft.fireReconnect()

	waitFor(t, "settlement after reconnect", func() bool {
		s, ok := statusOf(t, e, "course-1", "000000000000000000000008")
		return ok && s == chat.StatusSent
	})
}

func TestPushedMessagesDeduplicated(t *testing.T) {
	ft := newFakeTransport()
	e, _ := newTestEngine(t, ft)

	var notified int
	var mu sync.Mutex
	e.OnMessage(func(chat.Message) {
		mu.Lock()
		notified++
		mu.Unlock()
	})

	record := proto.Communication{
		ID:          "000000000000000000000009",
		CourseID:    "course-1",
		Message:     "hi there",
		ChannelType: string(chat.ChannelLiveChat),
		CreatedAt:   time.Now().UTC(),
	}
	ft.push(t, proto.EventNewMessage, record)
	ft.push(t, proto.EventNewMessage, record)

	msgs := viewMessages(t, e, "course-1")
	if len(msgs) != 1 {
		t.Fatalf("duplicate push produced %d entries", len(msgs))
	}
	mu.Lock()
	defer mu.Unlock()
	if notified != 1 {
		t.Fatalf("expected one notification, got %d", notified)
	}
}

func TestMarkReadAdvancesAndForwards(t *testing.T) {
	ft := newFakeTransport()
	ft.setRespond(func(string, json.RawMessage) (json.RawMessage, error) {
		return json.Marshal(map[string]bool{"ok": true})
	})
	e, _ := newTestEngine(t, ft)

	ft.push(t, proto.EventNewMessage, proto.Communication{
		ID:          "00000000000000000000000a",
		CourseID:    "course-1",
		Message:     "read me",
		ChannelType: string(chat.ChannelLiveChat),
		CreatedAt:   time.Now().UTC(),
	})

	e.MarkRead(context.Background(), "course-1", "00000000000000000000000a")

	s, ok := statusOf(t, e, "course-1", "00000000000000000000000a")
	if !ok || s != chat.StatusRead {
		t.Fatalf("expected READ locally, ok=%v status=%s", ok, s)
	}
	var data proto.MarkAsReadData
	if err := json.Unmarshal(ft.lastRequest(t, proto.EventMarkAsRead).Payload, &data); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if data.CommunicationID != "00000000000000000000000a" {
		t.Fatalf("wrong acknowledgement target: %q", data.CommunicationID)
	}
}

func TestReadReceiptNeverAdvancesUnsettledEntry(t *testing.T) {
	ft := newFakeTransport()
	e, _ := newTestEngine(t, ft)

	msg, err := e.Send(context.Background(), "course-1", "hello", chat.ChannelLiveChat, "")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	waitFor(t, "FAILED status", func() bool {
		s, ok := statusOf(t, e, "course-1", msg.ID)
		return ok && s == chat.StatusFailed
	})

	ft.push(t, proto.EventMessageRead, proto.MessageReadData{
		CommunicationID: msg.ID,
		ReadBy:          "instructor-1",
	})

	s, _ := statusOf(t, e, "course-1", msg.ID)
	if s != chat.StatusFailed {
		t.Fatalf("FAILED entry advanced to %s without passing through SENT", s)
	}
}

func TestReadReceiptAdvancesConfirmedEntry(t *testing.T) {
	ft := newFakeTransport()
	ft.setRespond(ackSends("00000000000000000000000b"))
	e, _ := newTestEngine(t, ft)

	if _, err := e.Send(context.Background(), "course-1", "hello", chat.ChannelLiveChat, ""); err != nil {
		t.Fatalf("send: %v", err)
	}
	waitFor(t, "settlement", func() bool {
		s, ok := statusOf(t, e, "course-1", "00000000000000000000000b")
		return ok && s == chat.StatusSent
	})

	ft.push(t, proto.EventMessageRead, proto.MessageReadData{
		CommunicationID: "00000000000000000000000b",
		ReadBy:          "instructor-1",
	})

	s, _ := statusOf(t, e, "course-1", "00000000000000000000000b")
	if s != chat.StatusRead {
		t.Fatalf("expected READ after receipt, got %s", s)
	}

	// A duplicate receipt is a no-op.
	ft.push(t, proto.EventMessageRead, proto.MessageReadData{
		CommunicationID: "00000000000000000000000b",
		ReadBy:          "instructor-1",
	})
	s, _ = statusOf(t, e, "course-1", "00000000000000000000000b")
	if s != chat.StatusRead {
		t.Fatalf("duplicate receipt changed status to %s", s)
	}
}

func TestClearConversationKeepsPendingWork(t *testing.T) {
	ft := newFakeTransport()
	e, _ := newTestEngine(t, ft)

	ctx := context.Background()
	msg, err := e.Send(ctx, "course-1", "unsent", chat.ChannelLiveChat, "")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	waitFor(t, "FAILED status", func() bool {
		s, ok := statusOf(t, e, "course-1", msg.ID)
		return ok && s == chat.StatusFailed
	})

	if err := e.ClearConversation(ctx, "course-1"); err != nil {
		t.Fatalf("clear: %v", err)
	}

	// The cached list is gone; the queued entry is still visible.
	msgs := viewMessages(t, e, "course-1")
	if len(msgs) != 1 || msgs[0].ID != msg.ID {
		t.Fatalf("pending entry lost on clear: %+v", msgs)
	}
}

func TestSetTypingEmits(t *testing.T) {
	ft := newFakeTransport()
	e, _ := newTestEngine(t, ft)

	if err := e.SetTyping(context.Background(), "course-1", true); err != nil {
		t.Fatalf("set typing: %v", err)
	}

	ft.mu.Lock()
	defer ft.mu.Unlock()
	if len(ft.emits) != 1 || ft.emits[0].Event != proto.EventTypingStatus {
		t.Fatalf("expected a typingStatus emit, got %+v", ft.emits)
	}
}

package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/chatrelay/internal/autoreply"
	"github.com/nextlevelbuilder/chatrelay/internal/bus"
	"github.com/nextlevelbuilder/chatrelay/internal/store"
)

// memStore is an in-memory SessionStore + MessageStore for controller tests.
type memStore struct {
	mu       sync.Mutex
	ttl      time.Duration
	sessions map[string]*store.Session
	messages map[string][]store.Message
	seq      int64
	msgSeq   int64
}

func newMemStore() *memStore {
	return &memStore{
		ttl:      7 * 24 * time.Hour,
		sessions: make(map[string]*store.Session),
		messages: make(map[string][]store.Message),
	}
}

func (m *memStore) stores() *store.Stores {
	return store.NewStores(m, m, nil)
}

func (m *memStore) Create(_ context.Context, agentChatID, agentTopicID *int64) (*store.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	now := time.Now()
	s := &store.Session{
		ID:           fmt.Sprintf("sess-%d", m.seq),
		AgentChatID:  agentChatID,
		AgentTopicID: agentTopicID,
		CreatedAt:    now,
		UpdatedAt:    now,
		ExpiresAt:    now.Add(m.ttl),
	}
	m.sessions[s.ID] = s
	cp := *s
	return &cp, nil
}

func (m *memStore) Get(_ context.Context, id string) (*store.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *memStore) GetByAgentChannel(_ context.Context, chatID int64, topicID *int64) (*store.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var best *store.Session
	for _, s := range m.sessions {
		if s.AgentChatID == nil || *s.AgentChatID != chatID {
			continue
		}
		if (topicID == nil) != (s.AgentTopicID == nil) {
			continue
		}
		if topicID != nil && *topicID != *s.AgentTopicID {
			continue
		}
		if best == nil || s.UpdatedAt.After(best.UpdatedAt) {
			best = s
		}
	}
	if best == nil {
		return nil, store.ErrNotFound
	}
	cp := *best
	return &cp, nil
}

func (m *memStore) Bind(_ context.Context, id string, chatID int64, topicID *int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return store.ErrNotFound
	}
	s.AgentChatID = &chatID
	s.AgentTopicID = topicID
	s.UpdatedAt = time.Now()
	s.ExpiresAt = s.UpdatedAt.Add(m.ttl)
	return nil
}

func (m *memStore) Touch(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return store.ErrNotFound
	}
	s.UpdatedAt = time.Now()
	s.ExpiresAt = s.UpdatedAt.Add(m.ttl)
	return nil
}

func (m *memStore) Reap(_ context.Context) (store.ReapResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var res store.ReapResult
	now := time.Now()
	for id, s := range m.sessions {
		if s.ExpiresAt.Before(now) {
			res.Sessions++
			res.Messages += int64(len(m.messages[id]))
			delete(m.sessions, id)
			delete(m.messages, id)
		}
	}
	return res, nil
}

func (m *memStore) Append(_ context.Context, p store.AppendParams) (*store.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[p.SessionID]
	if !ok {
		return nil, store.ErrNotFound
	}
	m.msgSeq++
	msg := store.Message{
		ID:                m.msgSeq,
		SessionID:         p.SessionID,
		Author:            p.Author,
		Kind:              p.Kind,
		Body:              p.Body,
		Caption:           p.Caption,
		ExternalMessageID: p.ExternalMessageID,
		TopicID:           p.TopicID,
		CreatedAt:         time.Now(),
	}
	m.messages[p.SessionID] = append(m.messages[p.SessionID], msg)
	s.UpdatedAt = msg.CreatedAt
	s.ExpiresAt = s.UpdatedAt.Add(m.ttl)
	return &msg, nil
}

func (m *memStore) List(_ context.Context, sessionID string, limit int) ([]store.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msgs := m.messages[sessionID]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[:limit]
	}
	out := make([]store.Message, len(msgs))
	copy(out, msgs)
	return out, nil
}

// expire forces a session past its TTL.
func (m *memStore) expire(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id]; ok {
		s.ExpiresAt = time.Now().Add(-time.Minute)
	}
}

func (m *memStore) messageCount(id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.messages[id])
}

// fakeTransport records outbound messages on a channel.
type fakeTransport struct {
	sent chan bus.OutboundMessage
	err  error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{sent: make(chan bus.OutboundMessage, 8)}
}

func (f *fakeTransport) Send(_ context.Context, msg bus.OutboundMessage) error {
	f.sent <- msg
	return f.err
}

func (f *fakeTransport) waitSend(t *testing.T) bus.OutboundMessage {
	t.Helper()
	select {
	case msg := <-f.sent:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("no outbound message within timeout")
		return bus.OutboundMessage{}
	}
}

func (f *fakeTransport) assertNoSend(t *testing.T, wait time.Duration) {
	t.Helper()
	select {
	case msg := <-f.sent:
		t.Fatalf("unexpected outbound message: %+v", msg)
	case <-time.After(wait):
	}
}

func testController(t *testing.T, rules []autoreply.Rule) (*Controller, *memStore, *fakeTransport) {
	t.Helper()
	ms := newMemStore()
	tr := newFakeTransport()
	c := NewController(ms.stores(), autoreply.NewMatcher(rules), tr, 5*time.Millisecond)
	t.Cleanup(c.Shutdown)
	return c, ms, tr
}

var greetingRules = []autoreply.Rule{
	{Keywords: []string{"hello", "你好"}, Reply: "Hi! An agent will be with you shortly."},
}

// TestVisitorMessage_ForwardsToBoundChat verifies the happy path: the message
// is persisted and delivered to the bound chat, with the caption and topic
// carried through.
func TestVisitorMessage_ForwardsToBoundChat(t *testing.T) {
	c, ms, tr := testController(t, greetingRules)
	ctx := context.Background()

	chatID, topicID := int64(42), int64(7)
	sess, err := c.CreateSession(ctx, &chatID, &topicID)
	if err != nil {
		t.Fatal(err)
	}

	msg, err := c.VisitorMessage(ctx, VisitorMessageParams{
		SessionID: sess.ID,
		Kind:      bus.KindText,
		Body:      "I need help with my order",
	})
	if err != nil {
		t.Fatalf("VisitorMessage() error = %v", err)
	}
	if msg.Author != store.AuthorVisitor {
		t.Errorf("author = %q, want visitor", msg.Author)
	}
	if ms.messageCount(sess.ID) != 1 {
		t.Errorf("stored %d messages, want 1", ms.messageCount(sess.ID))
	}

	out := tr.waitSend(t)
	if out.ChatID != chatID || out.TopicID != topicID {
		t.Errorf("forwarded to chat %d topic %d, want %d/%d", out.ChatID, out.TopicID, chatID, topicID)
	}
	if out.Body != "I need help with my order" {
		t.Errorf("forwarded body = %q", out.Body)
	}
}

// TestVisitorMessage_ForwardRefOverridesBody verifies media forwards use the
// local file reference while the stored body keeps the public URL.
func TestVisitorMessage_ForwardRefOverridesBody(t *testing.T) {
	c, _, tr := testController(t, nil)
	ctx := context.Background()

	chatID := int64(42)
	sess, _ := c.CreateSession(ctx, &chatID, nil)

	msg, err := c.VisitorMessage(ctx, VisitorMessageParams{
		SessionID:  sess.ID,
		Kind:       bus.KindImage,
		Body:       "/uploads/abc.jpg",
		Caption:    "screenshot",
		ForwardRef: "/var/lib/chatrelay/uploads/abc.jpg",
	})
	if err != nil {
		t.Fatal(err)
	}
	if msg.Body != "/uploads/abc.jpg" {
		t.Errorf("stored body = %q, want public URL", msg.Body)
	}

	out := tr.waitSend(t)
	if out.Body != "/var/lib/chatrelay/uploads/abc.jpg" {
		t.Errorf("forwarded body = %q, want local path", out.Body)
	}
	if out.Caption != "screenshot" {
		t.Errorf("caption = %q", out.Caption)
	}
}

// TestVisitorMessage_DeliveryFailureIsSwallowed verifies a transport error
// never fails the visitor call: the message is already stored.
func TestVisitorMessage_DeliveryFailureIsSwallowed(t *testing.T) {
	c, ms, tr := testController(t, nil)
	tr.err = errors.New("telegram down")
	ctx := context.Background()

	chatID := int64(42)
	sess, _ := c.CreateSession(ctx, &chatID, nil)

	if _, err := c.VisitorMessage(ctx, VisitorMessageParams{
		SessionID: sess.ID,
		Kind:      bus.KindText,
		Body:      "hello?",
	}); err != nil {
		t.Fatalf("VisitorMessage() error = %v, want nil despite delivery failure", err)
	}
	tr.waitSend(t)
	if ms.messageCount(sess.ID) != 1 {
		t.Error("message must be persisted regardless of delivery failure")
	}
}

// TestVisitorMessage_AutoReplyOnUnboundSession verifies the delayed canned
// reply: it appears as an agent-authored message after the configured delay,
// and nothing is sent to the transport.
func TestVisitorMessage_AutoReplyOnUnboundSession(t *testing.T) {
	c, ms, tr := testController(t, greetingRules)
	ctx := context.Background()

	sess, _ := c.CreateSession(ctx, nil, nil)

	stored := make(chan store.Message, 4)
	c.OnMessageStored(func(m store.Message) { stored <- m })

	if _, err := c.VisitorMessage(ctx, VisitorMessageParams{
		SessionID: sess.ID,
		Kind:      bus.KindText,
		Body:      "hello there",
	}); err != nil {
		t.Fatal(err)
	}

	// First notification is the visitor message, second the delayed reply.
	<-stored
	select {
	case reply := <-stored:
		if reply.Author != store.AuthorAgent {
			t.Errorf("auto-reply author = %q, want agent", reply.Author)
		}
		if reply.Body != greetingRules[0].Reply {
			t.Errorf("auto-reply body = %q", reply.Body)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("auto-reply never appended")
	}

	if ms.messageCount(sess.ID) != 2 {
		t.Errorf("stored %d messages, want 2", ms.messageCount(sess.ID))
	}
	tr.assertNoSend(t, 50*time.Millisecond)
}

// TestVisitorMessage_NoAutoReplyCases verifies auto-reply is NOT triggered
// for non-matching text, media, or bound sessions.
func TestVisitorMessage_NoAutoReplyCases(t *testing.T) {
	ctx := context.Background()

	t.Run("no keyword match", func(t *testing.T) {
		c, ms, _ := testController(t, greetingRules)
		sess, _ := c.CreateSession(ctx, nil, nil)
		c.VisitorMessage(ctx, VisitorMessageParams{SessionID: sess.ID, Kind: bus.KindText, Body: "nothing relevant"})
		time.Sleep(50 * time.Millisecond)
		if n := ms.messageCount(sess.ID); n != 1 {
			t.Errorf("stored %d messages, want 1 (no auto-reply)", n)
		}
	})

	t.Run("media never matches", func(t *testing.T) {
		c, ms, _ := testController(t, greetingRules)
		sess, _ := c.CreateSession(ctx, nil, nil)
		c.VisitorMessage(ctx, VisitorMessageParams{SessionID: sess.ID, Kind: bus.KindImage, Body: "/uploads/hello.jpg"})
		time.Sleep(50 * time.Millisecond)
		if n := ms.messageCount(sess.ID); n != 1 {
			t.Errorf("stored %d messages, want 1 (no auto-reply)", n)
		}
	})

	t.Run("bound session forwards instead", func(t *testing.T) {
		c, ms, tr := testController(t, greetingRules)
		chatID := int64(1)
		sess, _ := c.CreateSession(ctx, &chatID, nil)
		c.VisitorMessage(ctx, VisitorMessageParams{SessionID: sess.ID, Kind: bus.KindText, Body: "hello"})
		tr.waitSend(t)
		time.Sleep(50 * time.Millisecond)
		if n := ms.messageCount(sess.ID); n != 1 {
			t.Errorf("stored %d messages, want 1 (forwarded, not auto-replied)", n)
		}
	})
}

// TestVisitorMessage_Validation verifies the error taxonomy surfaced to the
// HTTP layer.
func TestVisitorMessage_Validation(t *testing.T) {
	c, ms, _ := testController(t, nil)
	ctx := context.Background()

	sess, _ := c.CreateSession(ctx, nil, nil)

	tests := []struct {
		name    string
		params  VisitorMessageParams
		wantErr error
	}{
		{
			name:    "empty body",
			params:  VisitorMessageParams{SessionID: sess.ID, Kind: bus.KindText},
			wantErr: ErrInvalidInput,
		},
		{
			name:    "bad kind",
			params:  VisitorMessageParams{SessionID: sess.ID, Kind: "sticker", Body: "x"},
			wantErr: ErrInvalidInput,
		},
		{
			name:    "unknown session",
			params:  VisitorMessageParams{SessionID: "nope", Kind: bus.KindText, Body: "x"},
			wantErr: ErrSessionNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := c.VisitorMessage(ctx, tt.params); !errors.Is(err, tt.wantErr) {
				t.Errorf("VisitorMessage() error = %v, want %v", err, tt.wantErr)
			}
		})
	}

	t.Run("expired session", func(t *testing.T) {
		ms.expire(sess.ID)
		_, err := c.VisitorMessage(ctx, VisitorMessageParams{SessionID: sess.ID, Kind: bus.KindText, Body: "x"})
		if !errors.Is(err, ErrSessionExpired) {
			t.Errorf("VisitorMessage() error = %v, want ErrSessionExpired", err)
		}
	})
}

// TestAgentEvent_BoundChatAppends verifies agent messages land in the bound
// session's history.
func TestAgentEvent_BoundChatAppends(t *testing.T) {
	c, ms, _ := testController(t, nil)
	ctx := context.Background()

	sess, _ := c.CreateSession(ctx, nil, nil)
	if err := c.Bind(ctx, sess.ID, 42, nil); err != nil {
		t.Fatal(err)
	}

	err := c.AgentEvent(ctx, bus.InboundEvent{
		Channel:           "telegram",
		ChatID:            42,
		Kind:              bus.KindText,
		Body:              "Agent here, how can I help?",
		ExternalMessageID: 1001,
	})
	if err != nil {
		t.Fatalf("AgentEvent() error = %v", err)
	}

	msgs, _ := ms.List(ctx, sess.ID, 0)
	if len(msgs) != 1 {
		t.Fatalf("stored %d messages, want 1", len(msgs))
	}
	if msgs[0].Author != store.AuthorAgent {
		t.Errorf("author = %q, want agent", msgs[0].Author)
	}
	if msgs[0].ExternalMessageID == nil || *msgs[0].ExternalMessageID != 1001 {
		t.Error("external message id not recorded")
	}
}

// TestAgentEvent_ResolvesFromStoreAfterRestart verifies the binding map
// cache miss path: with an empty map the controller falls back to the
// store's agent identity columns and repopulates the cache.
func TestAgentEvent_ResolvesFromStoreAfterRestart(t *testing.T) {
	c, ms, _ := testController(t, nil)
	ctx := context.Background()

	chatID := int64(42)
	sess, _ := c.CreateSession(ctx, &chatID, nil)

	// Simulate restart: volatile bindings are gone, the store row remains.
	c.Bindings().Delete(BindingKey(chatID, nil))

	if err := c.AgentEvent(ctx, bus.InboundEvent{ChatID: 42, Kind: bus.KindText, Body: "back online"}); err != nil {
		t.Fatal(err)
	}
	if ms.messageCount(sess.ID) != 1 {
		t.Error("agent message not routed via store fallback")
	}
	if id, ok := c.Bindings().Get(BindingKey(chatID, nil)); !ok || id != sess.ID {
		t.Error("binding map not repopulated after store fallback")
	}
}

// TestAgentEvent_UnboundChat verifies unbound chats get the auto-responder
// echoed back for matching text, and media is silently dropped.
func TestAgentEvent_UnboundChat(t *testing.T) {
	ctx := context.Background()

	t.Run("matching text echoed", func(t *testing.T) {
		c, _, tr := testController(t, greetingRules)
		if err := c.AgentEvent(ctx, bus.InboundEvent{ChatID: 99, TopicID: 3, Kind: bus.KindText, Body: "hello bot"}); err != nil {
			t.Fatal(err)
		}
		out := tr.waitSend(t)
		if out.ChatID != 99 || out.TopicID != 3 {
			t.Errorf("echo went to chat %d topic %d, want 99/3", out.ChatID, out.TopicID)
		}
		if out.Body != greetingRules[0].Reply {
			t.Errorf("echo body = %q", out.Body)
		}
	})

	t.Run("non-matching text ignored", func(t *testing.T) {
		c, _, tr := testController(t, greetingRules)
		if err := c.AgentEvent(ctx, bus.InboundEvent{ChatID: 99, Kind: bus.KindText, Body: "xyz"}); err != nil {
			t.Fatal(err)
		}
		tr.assertNoSend(t, 50*time.Millisecond)
	})

	t.Run("media dropped", func(t *testing.T) {
		c, _, tr := testController(t, greetingRules)
		if err := c.AgentEvent(ctx, bus.InboundEvent{ChatID: 99, Kind: bus.KindImage, Body: "https://example.com/x.jpg"}); err != nil {
			t.Fatal(err)
		}
		tr.assertNoSend(t, 50*time.Millisecond)
	})
}

// TestAgentEvent_StaleBindingDropped verifies that when the bound session was
// reaped, the stale map entry is removed and the event is dropped without
// error.
func TestAgentEvent_StaleBindingDropped(t *testing.T) {
	c, _, _ := testController(t, nil)
	ctx := context.Background()

	key := BindingKey(42, nil)
	c.Bindings().Set(key, "sess-gone")

	if err := c.AgentEvent(ctx, bus.InboundEvent{ChatID: 42, Kind: bus.KindText, Body: "anyone?"}); err != nil {
		t.Fatalf("AgentEvent() error = %v, want nil for reaped session", err)
	}
	if _, ok := c.Bindings().Get(key); ok {
		t.Error("stale binding survived")
	}
}

// TestBind verifies the explicit bind operation and its error taxonomy.
func TestBind(t *testing.T) {
	c, ms, _ := testController(t, nil)
	ctx := context.Background()

	if err := c.Bind(ctx, "missing", 42, nil); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Bind(missing) error = %v, want ErrSessionNotFound", err)
	}

	sess, _ := c.CreateSession(ctx, nil, nil)
	topic := int64(7)
	if err := c.Bind(ctx, sess.ID, 42, &topic); err != nil {
		t.Fatal(err)
	}

	if id, ok := c.Bindings().Get(BindingKey(42, &topic)); !ok || id != sess.ID {
		t.Error("binding map entry missing after Bind")
	}
	got, _ := ms.Get(ctx, sess.ID)
	if got.AgentChatID == nil || *got.AgentChatID != 42 {
		t.Error("agent identity not persisted")
	}
}

// TestCreateSession_PreBind verifies a default chat id inserts the binding
// map entry synchronously.
func TestCreateSession_PreBind(t *testing.T) {
	c, _, _ := testController(t, nil)

	chatID := int64(42)
	sess, err := c.CreateSession(context.Background(), &chatID, nil)
	if err != nil {
		t.Fatal(err)
	}
	if id, ok := c.Bindings().Get(BindingKey(chatID, nil)); !ok || id != sess.ID {
		t.Error("pre-bound session missing from binding map")
	}
}

// TestGetSessionAndHistory verifies the 404-vs-410 distinction and that
// history remains readable for expired-but-unreaped sessions.
func TestGetSessionAndHistory(t *testing.T) {
	c, ms, _ := testController(t, nil)
	ctx := context.Background()

	if _, err := c.GetSession(ctx, "missing"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("GetSession(missing) error = %v, want ErrSessionNotFound", err)
	}
	if _, err := c.History(ctx, "missing", 0); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("History(missing) error = %v, want ErrSessionNotFound", err)
	}

	sess, _ := c.CreateSession(ctx, nil, nil)
	c.VisitorMessage(ctx, VisitorMessageParams{SessionID: sess.ID, Kind: bus.KindText, Body: "one"})

	ms.expire(sess.ID)

	if _, err := c.GetSession(ctx, sess.ID); !errors.Is(err, ErrSessionExpired) {
		t.Errorf("GetSession(expired) error = %v, want ErrSessionExpired", err)
	}
	msgs, err := c.History(ctx, sess.ID, 0)
	if err != nil {
		t.Fatalf("History(expired) error = %v, want readable until reaped", err)
	}
	if len(msgs) != 1 {
		t.Errorf("history length = %d, want 1", len(msgs))
	}
}

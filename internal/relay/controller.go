// Package relay contains the message-routing core: the binding map between
// agent-side conversations and web sessions, and the controller deciding for
// every inbound message whether to persist, forward, auto-reply, or bind.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/chatrelay/internal/autoreply"
	"github.com/nextlevelbuilder/chatrelay/internal/bus"
	"github.com/nextlevelbuilder/chatrelay/internal/store"
)

// forwardTimeout bounds one fire-and-forget delivery to the agent channel.
const forwardTimeout = 30 * time.Second

// AgentTransport delivers outbound messages to the agent-side channel.
// Implemented by internal/channels/telegram.
type AgentTransport interface {
	Send(ctx context.Context, msg bus.OutboundMessage) error
}

// VisitorMessageParams carries one inbound visitor message.
type VisitorMessageParams struct {
	SessionID string
	Kind      bus.Kind
	Body      string // text, or the stored file reference for media
	Caption   string
	// ForwardRef overrides Body for the forward leg (e.g. a local file path
	// the transport can upload, while Body holds the public URL that was
	// persisted). Empty means forward Body itself.
	ForwardRef string
}

// Controller coordinates the stores, the matcher, the binding map, and the
// agent transport. Its two entry points, VisitorMessage and AgentEvent,
// correspond to the two directions of the relay.
type Controller struct {
	sessions store.SessionStore
	messages store.MessageStore
	matcher  *autoreply.Matcher
	bindings *BindingMap
	agent    AgentTransport
	sched    *Scheduler
	tracer   trace.Tracer

	replyDelay time.Duration
	onStored   func(store.Message)
}

// NewController wires the relay core together.
func NewController(stores *store.Stores, matcher *autoreply.Matcher, agent AgentTransport, replyDelay time.Duration) *Controller {
	if replyDelay <= 0 {
		replyDelay = time.Second
	}
	return &Controller{
		sessions:   stores.Sessions,
		messages:   stores.Messages,
		matcher:    matcher,
		bindings:   NewBindingMap(),
		agent:      agent,
		sched:      NewScheduler(),
		tracer:     otel.Tracer("github.com/nextlevelbuilder/chatrelay/internal/relay"),
		replyDelay: replyDelay,
	}
}

// OnMessageStored registers a hook invoked after every successfully persisted
// message (used by the websocket push). Must be set before traffic starts.
func (c *Controller) OnMessageStored(fn func(store.Message)) {
	c.onStored = fn
}

// Bindings exposes the routing table (tests and diagnostics).
func (c *Controller) Bindings() *BindingMap {
	return c.bindings
}

// Shutdown abandons pending delayed auto-replies.
func (c *Controller) Shutdown() {
	c.sched.Shutdown()
}

// CreateSession creates a new web session. A non-nil agentChatID pre-binds the
// session, in which case the binding map entry is inserted synchronously —
// a missed insert here would leave the session unreachable from the agent
// side until an explicit rebind.
func (c *Controller) CreateSession(ctx context.Context, agentChatID, agentTopicID *int64) (*store.Session, error) {
	sess, err := c.sessions.Create(ctx, agentChatID, agentTopicID)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	if agentChatID != nil {
		c.bindings.Set(BindingKey(*agentChatID, agentTopicID), sess.ID)
	}
	return sess, nil
}

// GetSession returns a live session, ErrSessionNotFound, or ErrSessionExpired.
// Expired sessions may still be physically present until the reaper runs;
// they are rejected here regardless.
func (c *Controller) GetSession(ctx context.Context, id string) (*store.Session, error) {
	sess, err := c.sessions.Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	if sess.Expired(time.Now()) {
		return nil, ErrSessionExpired
	}
	return sess, nil
}

// History lists a session's messages in ascending order. The session must
// exist, but an expired one can still be read until it is reaped.
func (c *Controller) History(ctx context.Context, sessionID string, limit int) ([]store.Message, error) {
	if _, err := c.sessions.Get(ctx, sessionID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}
	return c.messages.List(ctx, sessionID, limit)
}

// VisitorMessage handles one inbound message from the web side: persist it,
// then either forward to the bound agent chat or consult the auto-responder.
// The forward leg is fire-and-forget — the message is already durably stored,
// so delivery failure never fails this call.
func (c *Controller) VisitorMessage(ctx context.Context, p VisitorMessageParams) (*store.Message, error) {
	ctx, span := c.tracer.Start(ctx, "relay.visitor_message",
		trace.WithAttributes(
			attribute.String("session.id", p.SessionID),
			attribute.String("message.kind", string(p.Kind)),
		))
	defer span.End()

	if !p.Kind.Valid() || p.Body == "" {
		return nil, ErrInvalidInput
	}

	sess, err := c.GetSession(ctx, p.SessionID)
	if err != nil {
		return nil, err
	}

	msg, err := c.messages.Append(ctx, store.AppendParams{
		SessionID: p.SessionID,
		Author:    store.AuthorVisitor,
		Kind:      p.Kind,
		Body:      p.Body,
		Caption:   p.Caption,
	})
	if errors.Is(err, store.ErrNotFound) {
		// Reaper won the race between the session lookup and the append.
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("append visitor message: %w", err)
	}
	c.notifyStored(*msg)

	if sess.Bound() {
		c.forwardToAgent(sess, p)
	} else if p.Kind == bus.KindText {
		// Media never triggers auto-reply, only text.
		if reply, ok := c.matcher.Match(p.Body); ok {
			c.scheduleAutoReply(p.SessionID, reply)
		}
	}

	return msg, nil
}

// forwardToAgent delivers a visitor message to the bound chat asynchronously.
func (c *Controller) forwardToAgent(sess *store.Session, p VisitorMessageParams) {
	body := p.ForwardRef
	if body == "" {
		body = p.Body
	}
	out := bus.OutboundMessage{
		ChatID:  *sess.AgentChatID,
		Kind:    p.Kind,
		Body:    body,
		Caption: p.Caption,
	}
	if sess.AgentTopicID != nil {
		out.TopicID = *sess.AgentTopicID
	}

	sessionID := sess.ID
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), forwardTimeout)
		defer cancel()
		if err := c.agent.Send(ctx, out); err != nil {
			// Upstream delivery failure: the message is already stored, so
			// this is logged and dropped, never surfaced to the visitor.
			slog.Warn("forward to agent channel failed",
				"session", sessionID, "chat_id", out.ChatID, "kind", out.Kind, "error", err)
		}
	}()
}

// scheduleAutoReply appends the canned reply as an agent-authored message
// after the configured delay. Best-effort: if the session was reaped before
// the timer fires, the append is dropped with a log line.
func (c *Controller) scheduleAutoReply(sessionID, reply string) {
	c.sched.After(c.replyDelay, func(ctx context.Context) {
		msg, err := c.messages.Append(ctx, store.AppendParams{
			SessionID: sessionID,
			Author:    store.AuthorAgent,
			Kind:      bus.KindText,
			Body:      reply,
		})
		if err != nil {
			slog.Warn("delayed auto-reply dropped", "session", sessionID, "error", err)
			return
		}
		c.notifyStored(*msg)
		slog.Debug("auto-reply appended", "session", sessionID)
	})
}

// AgentEvent handles one normalized event from the agent channel. Bound
// conversations get the message appended to their session history; unbound
// ones get the auto-responder echoed straight back to the chat (text only —
// unbound media is dropped).
func (c *Controller) AgentEvent(ctx context.Context, ev bus.InboundEvent) error {
	ctx, span := c.tracer.Start(ctx, "relay.agent_event",
		trace.WithAttributes(
			attribute.Int64("chat.id", ev.ChatID),
			attribute.String("message.kind", string(ev.Kind)),
		))
	defer span.End()

	var topicID *int64
	if ev.TopicID != 0 {
		t := ev.TopicID
		topicID = &t
	}
	key := BindingKey(ev.ChatID, topicID)

	sessionID, ok := c.bindings.Get(key)
	if !ok {
		// Cache miss: the map is volatile and empty after restart, so fall
		// back to the store's denormalized agent identity columns.
		sess, err := c.sessions.GetByAgentChannel(ctx, ev.ChatID, topicID)
		switch {
		case err == nil:
			sessionID = sess.ID
			c.bindings.Set(key, sessionID)
			ok = true
		case errors.Is(err, store.ErrNotFound):
			// genuinely unbound
		default:
			return fmt.Errorf("resolve agent channel: %w", err)
		}
	}

	if !ok {
		if ev.Kind != bus.KindText {
			slog.Debug("unbound agent media dropped", "chat_id", ev.ChatID, "kind", ev.Kind)
			return nil
		}
		// No visitor counterpart: echo a canned acknowledgment to the chat
		// itself, without touching any session.
		if reply, matched := c.matcher.Match(ev.Body); matched {
			if err := c.agent.Send(ctx, bus.OutboundMessage{
				ChatID:  ev.ChatID,
				TopicID: ev.TopicID,
				Kind:    bus.KindText,
				Body:    reply,
			}); err != nil {
				slog.Warn("auto-reply to agent chat failed", "chat_id", ev.ChatID, "error", err)
			}
		}
		return nil
	}

	var extID *int64
	if ev.ExternalMessageID != 0 {
		id := ev.ExternalMessageID
		extID = &id
	}

	msg, err := c.messages.Append(ctx, store.AppendParams{
		SessionID:         sessionID,
		Author:            store.AuthorAgent,
		Kind:              ev.Kind,
		Body:              ev.Body,
		Caption:           ev.Caption,
		ExternalMessageID: extID,
		TopicID:           topicID,
	})
	if errors.Is(err, store.ErrNotFound) {
		// The bound session was reaped; drop the stale binding and move on.
		c.bindings.Delete(key)
		slog.Warn("agent message for reaped session dropped", "chat_id", ev.ChatID, "session", sessionID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("append agent message: %w", err)
	}
	c.notifyStored(*msg)
	return nil
}

// Bind writes the agent identity onto the session and inserts the binding map
// entry. This is the explicit agent-side "claim" of a web conversation.
func (c *Controller) Bind(ctx context.Context, sessionID string, chatID int64, topicID *int64) error {
	err := c.sessions.Bind(ctx, sessionID, chatID, topicID)
	if errors.Is(err, store.ErrNotFound) {
		return ErrSessionNotFound
	}
	if err != nil {
		return fmt.Errorf("bind session: %w", err)
	}
	c.bindings.Set(BindingKey(chatID, topicID), sessionID)
	slog.Info("session bound to agent chat", "session", sessionID, "chat_id", chatID)
	return nil
}

func (c *Controller) notifyStored(msg store.Message) {
	if c.onStored != nil {
		c.onStored(msg)
	}
}

// Package agent ties the messaging gateway to the LLM: per-sender
// admission control, bounded history, the tool dispatch loop and the
// group-chat response policy.
package agent

import (
	"context"
	"fmt"
	"log"

	"github.com/basemate/basemate/content"
	"github.com/basemate/basemate/gateway"
	"github.com/basemate/basemate/pkg/llm"
	"github.com/basemate/basemate/tools"
)

const (
	busyText = "🤖 One moment — I'm still working on your previous message."

	onboardingText = "👋 Hey! I'm Basemate, your assistant on Base. I can check crypto prices, " +
		"look up wallet balances, suggest quick actions and help you send ETH. " +
		"Try \"ETH price\" or \"balance of 0x...\" to get started."

	apologyText = "😅 Sorry, something went wrong on my end. Let's start fresh — please send that again."

	timeoutText = "⏳ That took longer than expected and I had to give up. Please try again."
)

// Archiver persists transcripts and first-contact records. All methods
// are best-effort from the handler's point of view: failures are logged
// and never surfaced to the chat.
type Archiver interface {
	AddMessage(conversationID, senderID, role, content string) error
	MarkContact(senderID string) error
	HasContact(senderID string) (bool, error)
}

// Handler is the per-message entry point. It implements
// gateway.Handler.
type Handler struct {
	provider   llm.Provider
	registry   *tools.Registry
	router     *content.Router
	sessions   *SessionRegistry
	dispatcher *Dispatcher
	archive    Archiver // nil when no database is configured
}

// NewHandler wires the handler. archive may be nil.
func NewHandler(provider llm.Provider, registry *tools.Registry, router *content.Router, sessions *SessionRegistry, systemPrompt string, archive Archiver) *Handler {
	return &Handler{
		provider:   provider,
		registry:   registry,
		router:     router,
		sessions:   sessions,
		dispatcher: NewDispatcher(provider, registry, router, sessions, systemPrompt, archive),
		archive:    archive,
	}
}

// HandleMessage processes one inbound text message end to end. It
// never returns an error to the transport: every failure path ends in
// exactly one chat message, or deliberate silence under the group
// policy.
func (h *Handler) HandleMessage(ctx context.Context, msg gateway.InboundMessage, reply gateway.Sender) {
	if msg.Text == "" {
		return
	}

	admission, retryAfter := h.sessions.TryAcquire(msg.SenderID)
	switch admission {
	case AdmitBusy:
		log.Printf("[Agent] %s: busy, dropping message", msg.SenderID)
		h.sendText(ctx, reply, msg.ConversationID, busyText)
		return
	case AdmitRateLimited:
		log.Printf("[Agent] %s: rate limited for %ds", msg.SenderID, retryAfter)
		h.sendText(ctx, reply, msg.ConversationID,
			fmt.Sprintf("⏳ You're sending messages a bit fast. Please wait %d seconds and try again.", retryAfter))
		return
	}
	defer h.sessions.Release(msg.SenderID)

	first := h.firstContact(msg.SenderID)

	if msg.IsGroup && !msg.MentionsAgent && !msg.ReplyToAgent && !first {
		log.Printf("[Agent] %s: group message not addressed to agent, staying silent", msg.SenderID)
		return
	}

	if first {
		h.markContact(msg.SenderID)
		h.sendText(ctx, reply, msg.ConversationID, onboardingText)
		return
	}

	h.record(msg.ConversationID, msg.SenderID, llm.RoleUser, msg.Text)
	h.sessions.Append(msg.SenderID, llm.Message{Role: llm.RoleUser, Content: msg.Text})

	completion, err := h.provider.Complete(ctx, h.dispatcher.messages(msg.SenderID), h.registry.Specs())
	if err != nil {
		h.fail(ctx, reply, msg.ConversationID, msg.SenderID, err)
		return
	}

	if err := h.dispatcher.Run(ctx, msg.SenderID, msg.ConversationID, reply, completion); err != nil {
		h.fail(ctx, reply, msg.ConversationID, msg.SenderID, err)
	}
}

// fail handles a completion-provider failure: one apology to the user
// and a history reset so the broken turn is not replayed.
func (h *Handler) fail(ctx context.Context, reply gateway.Sender, conversationID, senderID string, err error) {
	log.Printf("[WARN] completion failed for %s: %v", senderID, err)
	text := apologyText
	if llm.KindOf(err) == llm.ErrTimeout {
		text = timeoutText
	}
	h.sendText(ctx, reply, conversationID, text)
	h.sessions.Reset(senderID)
}

// firstContact reports whether this sender has never been greeted,
// consulting the archive when one is configured.
func (h *Handler) firstContact(senderID string) bool {
	if h.sessions.Greeted(senderID) {
		return false
	}
	if h.archive != nil {
		seen, err := h.archive.HasContact(senderID)
		if err != nil {
			log.Printf("[WARN] contact lookup for %s: %v", senderID, err)
		} else if seen {
			h.sessions.MarkGreeted(senderID)
			return false
		}
	}
	return true
}

func (h *Handler) markContact(senderID string) {
	h.sessions.MarkGreeted(senderID)
	if h.archive != nil {
		if err := h.archive.MarkContact(senderID); err != nil {
			log.Printf("[WARN] mark contact %s: %v", senderID, err)
		}
	}
}

func (h *Handler) record(conversationID, senderID, role, text string) {
	if h.archive == nil {
		return
	}
	if err := h.archive.AddMessage(conversationID, senderID, role, text); err != nil {
		log.Printf("[WARN] archive message: %v", err)
	}
}

func (h *Handler) sendText(ctx context.Context, reply gateway.Sender, conversationID, text string) {
	h.record(conversationID, "agent", llm.RoleAssistant, text)
	if err := h.router.Send(ctx, reply, conversationID, content.Text(text)); err != nil {
		log.Printf("[WARN] send to %s failed: %v", conversationID, err)
	}
}

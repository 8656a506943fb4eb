package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"

	"github.com/basemate/basemate/content"
	"github.com/basemate/basemate/gateway"
	"github.com/basemate/basemate/pkg/llm"
	"github.com/basemate/basemate/tools"
)

// textMarker prefixes direct assistant replies so they are visually
// distinct from tool-produced content in the chat.
const textMarker = "💬 "

// Friendly texts for tool failures, one per error category. Raw errors
// never reach the chat.
const (
	toolTimeoutText      = "⏱️ That took too long to answer. Please try again."
	toolNetworkText      = "🌐 I couldn't reach the service just now. Please try again in a moment."
	toolBadFormatText    = "🤔 I couldn't make sense of the request details. Try rephrasing?"
	toolRateLimitedText  = "🚦 The service is a bit busy right now. Give it a few seconds and try again."
	toolUnauthorizedText = "🔒 I'm not authorized to do that right now."
	toolNotFoundText     = "🔍 I don't know how to do that yet."
	toolGenericText      = "⚠️ Something went wrong running that. Please try again."
)

// Dispatcher drives one LLM turn to completion: it executes tool calls
// sequentially, routes each result, records correlated tool turns in
// the session history and decides whether a follow-up completion is
// warranted.
type Dispatcher struct {
	provider     llm.Provider
	registry     *tools.Registry
	router       *content.Router
	sessions     *SessionRegistry
	systemPrompt string
	archive      Archiver // nil when no database is configured
}

func NewDispatcher(provider llm.Provider, registry *tools.Registry, router *content.Router, sessions *SessionRegistry, systemPrompt string, archive Archiver) *Dispatcher {
	return &Dispatcher{
		provider:     provider,
		registry:     registry,
		router:       router,
		sessions:     sessions,
		systemPrompt: systemPrompt,
		archive:      archive,
	}
}

// record archives an outbound turn. Best-effort, never user-visible.
func (d *Dispatcher) record(conversationID, role, text string) {
	if d.archive == nil || text == "" {
		return
	}
	if err := d.archive.AddMessage(conversationID, "agent", role, text); err != nil {
		log.Printf("[WARN] archive message: %v", err)
	}
}

// messages assembles the prompt for a sender: the system prompt plus
// the bounded history. The system turn is prepended at call time and
// never counts against the history cap.
func (d *Dispatcher) messages(senderID string) []llm.Message {
	history := d.sessions.History(senderID)
	msgs := make([]llm.Message, 0, len(history)+1)
	if d.systemPrompt != "" {
		msgs = append(msgs, llm.Message{Role: llm.RoleSystem, Content: d.systemPrompt})
	}
	return append(msgs, history...)
}

func (d *Dispatcher) send(ctx context.Context, reply gateway.Sender, conversationID string, res content.Result) {
	if err := d.router.Send(ctx, reply, conversationID, res); err != nil {
		log.Printf("[WARN] send to %s failed: %v", conversationID, err)
	}
}

// Run handles the completion for one inbound message. A non-nil error
// means a completion call failed and the caller owns the apology; tool
// failures are absorbed here and never propagate.
func (d *Dispatcher) Run(ctx context.Context, senderID, conversationID string, reply gateway.Sender, completion *llm.Completion) error {
	if len(completion.ToolCalls) == 0 {
		text := completion.Content
		if text == "" {
			text = "…"
		}
		d.sessions.Append(senderID, llm.Message{Role: llm.RoleAssistant, Content: text})
		d.record(conversationID, llm.RoleAssistant, text)
		d.send(ctx, reply, conversationID, content.Text(textMarker+text))
		return nil
	}

	d.sessions.Append(senderID, llm.Message{
		Role:      llm.RoleAssistant,
		Content:   completion.Content,
		ToolCalls: completion.ToolCalls,
	})

	terminal := false
	for _, call := range completion.ToolCalls {
		summary := d.dispatchOne(ctx, conversationID, reply, call)
		d.sessions.Append(senderID, llm.Message{
			Role:       llm.RoleTool,
			ToolCallID: call.ID,
			Content:    summary,
		})
		d.record(conversationID, llm.RoleTool, summary)
		if d.registry.IsTerminal(call.Name) {
			terminal = true
		}
	}

	// A terminal tool already put a direct artifact in front of the
	// user; a narrative wrap-up after that is noise.
	if terminal {
		log.Printf("[Agent] terminal tool in batch, skipping follow-up for %s", senderID)
		return nil
	}

	followup, err := d.provider.Complete(ctx, d.messages(senderID), d.registry.Specs())
	if err != nil {
		return fmt.Errorf("follow-up completion: %w", err)
	}
	text := followup.Content
	if text == "" {
		text = "…"
	}
	d.sessions.Append(senderID, llm.Message{Role: llm.RoleAssistant, Content: text})
	d.record(conversationID, llm.RoleAssistant, text)
	d.send(ctx, reply, conversationID, content.Text(textMarker+text))
	return nil
}

// dispatchOne executes a single tool call in isolation and returns the
// textual summary recorded as the correlated tool turn. A panicking or
// failing tool yields a friendly text to the user and an error summary
// for the model; it never aborts the rest of the batch.
func (d *Dispatcher) dispatchOne(ctx context.Context, conversationID string, reply gateway.Sender, call llm.ToolCall) (summary string) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Printf("[WARN] tool %s panicked: %v", call.Name, rec)
			d.send(ctx, reply, conversationID, content.Text(toolGenericText))
			summary = fmt.Sprintf("tool %s failed: internal error", call.Name)
		}
	}()

	args := map[string]interface{}{}
	if call.Arguments != "" {
		if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil {
			log.Printf("[WARN] tool %s: bad arguments: %v", call.Name, err)
			d.send(ctx, reply, conversationID, content.Text(toolBadFormatText))
			return fmt.Sprintf("tool %s failed: arguments were not valid JSON", call.Name)
		}
	}

	log.Printf("[TOOL] %s(%s)", call.Name, call.Arguments)
	res, err := d.registry.Call(ctx, call.Name, args)
	if err != nil {
		category, friendly := classifyToolError(err)
		log.Printf("[WARN] tool %s failed (%s): %v", call.Name, category, err)
		d.send(ctx, reply, conversationID, content.Text(friendly))
		return fmt.Sprintf("tool %s failed: %s error", call.Name, category)
	}

	d.send(ctx, reply, conversationID, res)
	return res.Summary()
}

// classifyToolError buckets a tool failure into one of the user-facing
// categories and picks the matching friendly text.
func classifyToolError(err error) (category, friendly string) {
	var notFound *tools.ErrToolNotFound
	if errors.As(err, &notFound) {
		return "not-found", toolNotFoundText
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout", toolTimeoutText
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return "timeout", toolTimeoutText
		}
		return "network", toolNetworkText
	}

	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return "invalid-format", toolBadFormatText
	}

	if errors.Is(err, tools.ErrRateLimited) {
		return "rate-limited", toolRateLimitedText
	}

	switch llm.KindOf(err) {
	case llm.ErrRateLimited:
		return "rate-limited", toolRateLimitedText
	case llm.ErrUnauthorized:
		return "unauthorized", toolUnauthorizedText
	case llm.ErrTimeout:
		return "timeout", toolTimeoutText
	}
	return "generic", toolGenericText
}

package content

import (
	"context"
	"fmt"
	"log"
	"math/big"
	"strings"
	"sync/atomic"

	"github.com/basemate/basemate/gateway"
	"github.com/basemate/basemate/pkg/config"
	"github.com/basemate/basemate/pkg/kv"
)

// Router inspects a Result and picks the outbound content type, degrading to
// plain text whenever a structured payload fails validation or the transport
// rejects it. The user is never left without a message.
type Router struct {
	chains *config.ChainRegistry
	store  *kv.KV // optional, persisted counters

	sentText         atomic.Uint64
	sentTransactions atomic.Uint64
	sentQuickActions atomic.Uint64
	sentFallbacks    atomic.Uint64
}

// NewRouter creates a router. store may be nil; counters then stay in-memory.
func NewRouter(chains *config.ChainRegistry, store *kv.KV) *Router {
	return &Router{chains: chains, store: store}
}

const genericFailureText = "Sorry, something went wrong with that request. Please try again."

// Send routes one result to the conversation. The returned error reports
// transport-level failure of the final attempt only; validation problems are
// handled internally by falling back to text.
func (r *Router) Send(ctx context.Context, reply gateway.Sender, conversationID string, res Result) error {
	switch res.Kind {
	case KindText:
		r.count("text", &r.sentText)
		return reply.SendText(ctx, conversationID, res.Text)

	case KindUserMessage:
		r.count("text", &r.sentText)
		return reply.SendText(ctx, conversationID, res.UserMessage)

	case KindTransaction:
		if err := ValidateTransaction(res.Transaction, r.chains); err != nil {
			log.Printf("[Router] transaction validation failed: %v", err)
			r.count("fallback", &r.sentFallbacks)
			return reply.SendText(ctx, conversationID, transactionFallbackText(res))
		}
		if err := reply.SendContent(ctx, conversationID, gateway.ContentWalletSend, res.Transaction); err != nil {
			log.Printf("[Router] transaction send rejected: %v", err)
			r.count("fallback", &r.sentFallbacks)
			return reply.SendText(ctx, conversationID, transactionFallbackText(res))
		}
		r.count("transaction", &r.sentTransactions)
		if res.UserMessage != "" {
			if err := reply.SendText(ctx, conversationID, res.UserMessage); err != nil {
				log.Printf("[WARN] transaction caption send failed: %v", err)
			}
		}
		return nil

	case KindQuickActions:
		if err := ValidateQuickActions(res.QuickActions); err != nil {
			log.Printf("[Router] quick actions validation failed: %v", err)
			r.count("fallback", &r.sentFallbacks)
			return reply.SendText(ctx, conversationID, quickActionsFallbackText(res))
		}
		if err := reply.SendContent(ctx, conversationID, gateway.ContentQuickActions, res.QuickActions); err != nil {
			log.Printf("[Router] quick actions send rejected: %v", err)
			r.count("fallback", &r.sentFallbacks)
			return reply.SendText(ctx, conversationID, quickActionsFallbackText(res))
		}
		r.count("quick_actions", &r.sentQuickActions)
		return nil

	case KindFailure:
		msg := res.UserMessage
		if msg == "" {
			msg = genericFailureText
		}
		r.count("text", &r.sentText)
		return reply.SendText(ctx, conversationID, msg)

	default:
		r.count("text", &r.sentText)
		return reply.SendText(ctx, conversationID, genericFailureText)
	}
}

// Stats returns the messages-sent counters by category.
func (r *Router) Stats() map[string]uint64 {
	return map[string]uint64{
		"text":          r.sentText.Load(),
		"transaction":   r.sentTransactions.Load(),
		"quick_actions": r.sentQuickActions.Load(),
		"fallback":      r.sentFallbacks.Load(),
	}
}

// count is best-effort observability; it must never block or fail the send.
func (r *Router) count(category string, counter *atomic.Uint64) {
	counter.Add(1)
	if r.store != nil {
		if _, err := r.store.IncrBy("sent:"+category, 1); err != nil {
			log.Printf("[WARN] usage counter write failed: %v", err)
		}
	}
}

// transactionFallbackText renders manual instructions carrying the same
// recipient/amount/chain so the user can still act.
func transactionFallbackText(res Result) string {
	var b strings.Builder
	if res.UserMessage != "" {
		b.WriteString(res.UserMessage)
		b.WriteString("\n\n")
	}
	b.WriteString("I couldn't render the transaction tray, so here are the details to send manually:\n")
	tx := res.Transaction
	if tx == nil || len(tx.Calls) == 0 {
		b.WriteString("(no transaction details were produced - please retry)")
		return b.String()
	}
	for _, call := range tx.Calls {
		fmt.Fprintf(&b, "- To: %s\n", call.To)
		if amount := weiHexToEtherString(call.Value); amount != "" {
			fmt.Fprintf(&b, "  Amount: %s ETH\n", amount)
		}
		fmt.Fprintf(&b, "  Chain ID: %d\n", tx.ChainID)
	}
	return b.String()
}

// quickActionsFallbackText renders the same options as a bulleted list.
func quickActionsFallbackText(res Result) string {
	var b strings.Builder
	if res.UserMessage != "" {
		b.WriteString(res.UserMessage)
		b.WriteString("\n")
	}
	qa := res.QuickActions
	if qa == nil || len(qa.Actions) == 0 {
		b.WriteString("(no options available)")
		return b.String()
	}
	if qa.Description != "" {
		b.WriteString(qa.Description)
		b.WriteString("\n")
	}
	for _, a := range qa.Actions {
		fmt.Fprintf(&b, "- %s\n", a.Label)
	}
	b.WriteString("Reply with the option you want.")
	return b.String()
}

func weiHexToEtherString(hexVal string) string {
	hexVal = strings.TrimPrefix(hexVal, "0x")
	if hexVal == "" {
		return ""
	}
	wei, ok := new(big.Int).SetString(hexVal, 16)
	if !ok {
		return ""
	}
	ether := new(big.Rat).SetFrac(wei, big.NewInt(1e18))
	s := strings.TrimRight(ether.FloatString(6), "0")
	return strings.TrimSuffix(s, ".")
}

// Package gateway provides the messaging transport layer: the wire content
// types, the inbound message shape, and the concrete channels (webchat
// websocket server, relay client).
package gateway

import (
	"context"
)

// ContentTypeID identifies a wire content type. The set is fixed; anything
// the router cannot express in one of these goes out as plain text.
type ContentTypeID string

const (
	ContentText         ContentTypeID = "xmtp.org/text:1.0"
	ContentWalletSend   ContentTypeID = "xmtp.org/walletSendCalls:1.0"
	ContentQuickActions ContentTypeID = "coinbase.com/actions:1.0"
	ContentIntent       ContentTypeID = "coinbase.com/intent:1.0"
	ContentReaction     ContentTypeID = "xmtp.org/reaction:1.0"
	ContentReply        ContentTypeID = "xmtp.org/reply:1.0"
	ContentAttachment   ContentTypeID = "xmtp.org/remoteStaticAttachment:1.0"
)

// InboundMessage is a normalized inbound text message from any channel.
type InboundMessage struct {
	ID             string
	ConversationID string
	SenderID       string
	Text           string
	IsGroup        bool
	MentionsAgent  bool
	ReplyToAgent   bool
}

// Sender is the per-conversation reply surface handed to the message handler.
type Sender interface {
	SendText(ctx context.Context, conversationID, text string) error
	SendContent(ctx context.Context, conversationID string, contentType ContentTypeID, payload interface{}) error
}

// Handler processes one inbound message. Implementations must send at most
// one visible failure message per inbound message and never panic across
// this boundary.
type Handler interface {
	HandleMessage(ctx context.Context, msg InboundMessage, reply Sender)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, msg InboundMessage, reply Sender)

func (f HandlerFunc) HandleMessage(ctx context.Context, msg InboundMessage, reply Sender) {
	f(ctx, msg, reply)
}

// Package transport defines the chat-protocol boundary. The engine never
// talks to a chat API directly; it consumes inbound Updates and hands
// outbound text to a Sender.
package transport

import "context"

// Update is one inbound customer message, already reduced to what the
// ingest path needs.
type Update struct {
	ChatID    int64
	MessageID int
	SenderID  int64
	Username  string
	Text      string
}

type Sender interface {
	SendText(ctx context.Context, chatID int64, text string) error
}

// Adapter is a full transport: long-poll (or equivalent) inbound plus
// outbound sends, with an explicit start/stop lifecycle.
type Adapter interface {
	Sender
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error
}

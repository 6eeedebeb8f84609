package domain

import "context"

// MessageHandler is invoked once per normalized inbound message.
type MessageHandler func(ctx context.Context, msg Message, adapter PlatformAdapter)

// PlatformAdapter is the contract every transport implements (push bot API,
// poll desktop bridge). Adapters own the connection and normalize native
// events into Message values.
type PlatformAdapter interface {
	Name() string
	Start(ctx context.Context) error
	Stop() error
	Send(ctx context.Context, chatID string, text string) error
	OnMessage(handler MessageHandler)
}

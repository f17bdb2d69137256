package domain

import "context"

// ChangeSource produces raw events until ctx is cancelled.
type ChangeSource interface {
	Name() string
	Run(ctx context.Context, out chan<- RawEvent) error
}

// ChatAPI is the remote chat backend consumed by pull sources and the syncer.
type ChatAPI interface {
	Platform() string
	ListEntities(ctx context.Context) ([]EntityDescriptor, error)
	// FetchSince returns items with id greater than cursor, oldest first.
	FetchSince(ctx context.Context, nativeID string, cursor int64) ([]ChatMessage, error)
}

package port

import (
	"context"

	"github.com/mean-weasel/ytgify-glue-sub007/internal/domain/entity"
)

type JobEventPublisher interface {
	PublishJobStatus(ctx context.Context, msg []byte) error
}

// Broadcaster delivers a notification to every open UI surface.
type Broadcaster interface {
	Broadcast(ctx context.Context, n entity.Notification) error
}

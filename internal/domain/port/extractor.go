package port

import (
	"context"

	"github.com/mean-weasel/ytgify-glue-sub007/internal/domain/entity"
)

type ProgressFunc func(percent int)

// FrameProcessor captures frames in a context that can decode video.
// The worker only schedules; it never performs the capture itself.
type FrameProcessor interface {
	ExtractFrames(ctx context.Context, req entity.ExtractionRequest, progress ProgressFunc) (*entity.ExtractionResult, error)
}

// FrameReleaser is implemented by processors that keep frames on local storage.
// The worker calls it once the owning job is pruned.
type FrameReleaser interface {
	ReleaseFrames(result *entity.ExtractionResult) error
}

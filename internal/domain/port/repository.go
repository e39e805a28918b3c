package port

import (
	"context"
	"time"

	"github.com/mean-weasel/ytgify-glue-sub007/internal/domain/entity"
)

// JobStore is the authoritative in-process mapping from job id to record.
type JobStore interface {
	Insert(job *entity.Job) error
	Get(id string) (*entity.Job, bool)
	Update(id string, fn func(job *entity.Job)) (*entity.Job, error)
	// Prune removes terminal jobs older than maxAge and returns copies of what it removed.
	Prune(maxAge time.Duration, now time.Time) []*entity.Job
	Stats() entity.QueueStats
}

// JobHistory records terminal jobs outside the process.
type JobHistory interface {
	Record(ctx context.Context, job *entity.Job) error
}

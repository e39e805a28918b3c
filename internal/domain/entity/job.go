package entity

import (
	"time"

	"github.com/google/uuid"
)

type JobKind string

const (
	JobKindFrameExtraction JobKind = "FRAME_EXTRACTION"
	JobKindGIFEncoding     JobKind = "GIF_ENCODING"
)

type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// Terminal reports whether the status is absorbing.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

type Job struct {
	ID          string            `json:"id"`
	Kind        JobKind           `json:"kind"`
	Payload     ExtractionRequest `json:"payload"`
	Status      JobStatus         `json:"status"`
	Progress    int               `json:"progress"`
	Result      *ExtractionResult `json:"result,omitempty"`
	Error       string            `json:"error,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
}

// NewJob creates a pending job. UUIDv7 keeps ids unique and time ordered for the process lifetime.
func NewJob(kind JobKind, payload ExtractionRequest, now time.Time) *Job {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return &Job{
		ID:        id.String(),
		Kind:      kind,
		Payload:   payload,
		Status:    JobStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func (j *Job) MarkProcessing(now time.Time) {
	j.Status = JobStatusProcessing
	j.UpdatedAt = now
}

// SetProgress only moves forward and only while processing.
func (j *Job) SetProgress(percent int, now time.Time) bool {
	if j.Status != JobStatusProcessing {
		return false
	}
	if percent > 100 {
		percent = 100
	}
	if percent <= j.Progress {
		return false
	}
	j.Progress = percent
	j.UpdatedAt = now
	return true
}

func (j *Job) MarkCompleted(result *ExtractionResult, now time.Time) {
	j.Status = JobStatusCompleted
	j.Progress = 100
	j.Result = result
	j.Error = ""
	j.UpdatedAt = now
	j.CompletedAt = &now
}

// MarkFailed keeps the last reported progress.
func (j *Job) MarkFailed(errMsg string, now time.Time) {
	j.Status = JobStatusFailed
	j.Error = errMsg
	j.UpdatedAt = now
	j.CompletedAt = &now
}

// Clone returns a copy that shares no mutable state with j.
func (j *Job) Clone() *Job {
	out := *j
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		out.CompletedAt = &t
	}
	if j.Result != nil {
		r := *j.Result
		r.Frames = append([]Frame(nil), j.Result.Frames...)
		out.Result = &r
	}
	return &out
}

// VideoSource describes the video element the clip is cut from.
type VideoSource struct {
	URL      string  `json:"url"`
	VideoID  string  `json:"video_id,omitempty"`
	Title    string  `json:"title,omitempty"`
	Duration float64 `json:"duration,omitempty"`
	Width    int     `json:"width,omitempty"`
	Height   int     `json:"height,omitempty"`
}

type ExtractionSettings struct {
	StartTime float64 `json:"start_time"`
	Duration  float64 `json:"duration"`
	FrameRate int     `json:"frame_rate"`
	Width     int     `json:"width,omitempty"`
	Height    int     `json:"height,omitempty"`
	Quality   string  `json:"quality,omitempty"`
}

type ExtractionRequest struct {
	TabID    int                `json:"tab_id,omitempty"`
	Video    VideoSource        `json:"video"`
	Settings ExtractionSettings `json:"settings"`
}

const MaxFrameRate = 60

// Validate checks the request before a job is admitted.
func (r ExtractionRequest) Validate() error {
	switch {
	case r.Video.URL == "":
		return &ValidationError{Field: "video.url", Reason: "is required"}
	case r.Settings.StartTime < 0:
		return &ValidationError{Field: "settings.start_time", Reason: "must not be negative"}
	case r.Settings.Duration <= 0:
		return &ValidationError{Field: "settings.duration", Reason: "must be positive"}
	case r.Settings.FrameRate <= 0 || r.Settings.FrameRate > MaxFrameRate:
		return &ValidationError{Field: "settings.frame_rate", Reason: "must be between 1 and 60"}
	case r.Settings.Width < 0 || r.Settings.Height < 0:
		return &ValidationError{Field: "settings.width", Reason: "dimensions must not be negative"}
	}
	return nil
}

type Frame struct {
	Index     int     `json:"index"`
	Timestamp float64 `json:"timestamp"`
	URI       string  `json:"uri"`
}

type ExtractionResult struct {
	Frames          []Frame       `json:"frames"`
	Method          string        `json:"method"`
	ProcessingTime  time.Duration `json:"processing_time_ns"`
	Width           int           `json:"width"`
	Height          int           `json:"height"`
	ActualFrameRate float64       `json:"actual_frame_rate"`
	ArchiveKey      string        `json:"archive_key,omitempty"`
}

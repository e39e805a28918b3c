package entity

import (
	"encoding/json"
	"time"
)

// Message types accepted by the dispatcher.
const (
	MsgPing           = "PING"
	MsgCheckAuth      = "CHECK_AUTH"
	MsgRefreshToken   = "REFRESH_TOKEN"
	MsgLogin          = "LOGIN"
	MsgRegister       = "REGISTER"
	MsgLogout         = "LOGOUT"
	MsgGetUserProfile = "GET_USER_PROFILE"
	MsgExtractFrames  = "EXTRACT_FRAMES"
	MsgGetJobStatus   = "GET_JOB_STATUS"
	MsgEncodeGIF      = "ENCODE_GIF"
	MsgUploadGIF      = "UPLOAD_GIF"
	MsgGetQueueStats  = "GET_QUEUE_STATS"
)

// Envelope is an inbound cross-context request.
type Envelope struct {
	ID      string          `json:"id,omitempty"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Response is the single answer to an Envelope.
type Response struct {
	ID      string         `json:"id,omitempty"`
	Type    string         `json:"type"`
	Success bool           `json:"success"`
	Data    any            `json:"data,omitempty"`
	Error   *ResponseError `json:"error,omitempty"`
}

type ResponseError struct {
	Code              string `json:"code"`
	Message           string `json:"message"`
	RetryAfterSeconds int    `json:"retry_after_seconds,omitempty"`
}

// Notification is broadcast to every open UI surface.
type Notification struct {
	Type      string    `json:"type"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

const NotificationTokenExpired = "TOKEN_EXPIRED"

// JobStatusMessage is published on every job state transition.
type JobStatusMessage struct {
	JobID     string    `json:"job_id"`
	TabID     int       `json:"tab_id,omitempty"`
	Kind      JobKind   `json:"kind"`
	Status    JobStatus `json:"status"`
	Progress  int       `json:"progress"`
	Error     string    `json:"error,omitempty"`
	Frames    int       `json:"frame_count,omitempty"`
	Archive   string    `json:"archive_key,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func NewJobStatusMessage(job *Job, now time.Time) JobStatusMessage {
	msg := JobStatusMessage{
		JobID:     job.ID,
		TabID:     job.Payload.TabID,
		Kind:      job.Kind,
		Status:    job.Status,
		Progress:  job.Progress,
		Error:     job.Error,
		Timestamp: now,
	}
	if job.Result != nil {
		msg.Frames = len(job.Result.Frames)
		msg.Archive = job.Result.ArchiveKey
	}
	return msg
}

type QueueStats struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
}

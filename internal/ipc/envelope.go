package ipc

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Envelope types.
const (
	TypeMessage       = "message"
	TypeScheduleTask  = "schedule_task"
	TypePauseTask     = "pause_task"
	TypeResumeTask    = "resume_task"
	TypeCancelTask    = "cancel_task"
	TypeRegisterGroup = "register_group"
	TypeExtCall       = "ext_call"
)

// Envelope is one requested effect, written by the agent as a single JSON
// file. Which fields are meaningful depends on Type; the embedded schema
// (schema.go) enforces the per-type shape before dispatch.
type Envelope struct {
	Type        string `json:"type"`
	SourceGroup string `json:"sourceGroup"`

	// RequestID correlates read-style calls with their response file.
	RequestID string `json:"requestId,omitempty"`

	// message
	ChatJID string `json:"chatJid,omitempty"`
	Text    string `json:"text,omitempty"`

	// schedule_task (TargetGroup defaults to SourceGroup)
	TargetGroup   string `json:"targetGroup,omitempty"`
	Prompt        string `json:"prompt,omitempty"`
	ScheduleType  string `json:"scheduleType,omitempty"`
	ScheduleValue string `json:"scheduleValue,omitempty"`
	ContextMode   string `json:"contextMode,omitempty"`

	// pause_task / resume_task / cancel_task
	TaskID string `json:"taskId,omitempty"`

	// register_group
	GroupJID  string `json:"groupJid,omitempty"`
	GroupName string `json:"groupName,omitempty"`
	Folder    string `json:"folder,omitempty"`
	Trigger   string `json:"trigger,omitempty"`

	// ext_call
	Endpoint       string          `json:"endpoint,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	IdempotencyKey string          `json:"idempotencyKey,omitempty"`
	Signature      string          `json:"signature,omitempty"`
}

// Response is the companion file written for request/response correlation.
type Response struct {
	RequestID string          `json:"requestId"`
	OK        bool            `json:"ok"`
	Error     string          `json:"error,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
}

// EnvelopeFileName builds the canonical {timestamp}-{random}.json name.
func EnvelopeFileName(now time.Time) string {
	return fmt.Sprintf("%d-%s.json", now.UnixMilli(), uuid.NewString()[:8])
}

// target returns the group folder this envelope acts on.
func (e Envelope) target() string {
	switch e.Type {
	case TypeScheduleTask:
		if e.TargetGroup != "" {
			return e.TargetGroup
		}
		return e.SourceGroup
	case TypeRegisterGroup:
		return e.Folder
	default:
		return e.SourceGroup
	}
}

package handler

import (
	"time"

	"quorum/pkg/platform/audit"
)

// ListResponse wraps collection endpoints so they can grow paging fields.
type ListResponse[T any] struct {
	Items []T `json:"items"`
	Count int `json:"count"`
}

func NewList[T any](items []T) *ListResponse[T] {
	if items == nil {
		items = []T{}
	}
	return &ListResponse[T]{Items: items, Count: len(items)}
}

// SecurityEventResponse is one entry of GET /audit/security.
type SecurityEventResponse struct {
	Timestamp  time.Time `json:"timestamp"`
	Action     string    `json:"action"`
	ElectionID string    `json:"election_id,omitempty"`
	Subject    string    `json:"subject,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	Severity   string    `json:"severity,omitempty"`
	RequestID  string    `json:"request_id,omitempty"`
}

func FromSecurityEvents(events []audit.Event) *ListResponse[SecurityEventResponse] {
	out := make([]SecurityEventResponse, 0, len(events))
	for _, e := range events {
		resp := SecurityEventResponse{
			Timestamp: e.Timestamp,
			Action:    e.Action,
			Subject:   e.Subject,
			Reason:    e.Reason,
			Severity:  string(e.Severity),
			RequestID: e.RequestID,
		}
		if !e.ElectionID.IsNil() {
			resp.ElectionID = e.ElectionID.String()
		}
		out = append(out, resp)
	}
	return NewList(out)
}

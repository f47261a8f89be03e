package collab

import (
	"time"

	"collabEditor/backend/internal/ot/operation"
)

const EventOpApplied = "OP_APPLIED"

// DocOpEvent 每次成功应用操作后投递到 Kafka，供下游审计/回放
type DocOpEvent struct {
	EventType   string              `json:"eventType"` // 固定 "OP_APPLIED"
	Filename    string              `json:"filename"`
	OperationID string              `json:"operationId"`
	Revision    uint64              `json:"revision"`
	AuthorID    string              `json:"authorId"`
	Undo        bool                `json:"undo,omitempty"`
	Operation   operation.Operation `json:"operation"`
	AppliedAt   time.Time           `json:"appliedAt"`
}

func newDocOpEvent(a AppliedOp) DocOpEvent {
	return DocOpEvent{
		EventType:   EventOpApplied,
		Filename:    a.Filename,
		OperationID: a.OperationID,
		Revision:    a.Revision,
		AuthorID:    a.AuthorID,
		Undo:        a.Undo,
		Operation:   a.Operation.Clone(),
		AppliedAt:   a.AppliedAt,
	}
}

package model

import "time"

type HandoffStatus string

const (
	HandoffPending   HandoffStatus = "pending"
	HandoffConfirmed HandoffStatus = "confirmed"
	HandoffCancelled HandoffStatus = "cancelled"
	HandoffCompleted HandoffStatus = "completed"
)

func (s HandoffStatus) Terminal() bool {
	return s == HandoffCancelled || s == HandoffCompleted
}

type CancelReason string

const (
	CancelNone          CancelReason = ""
	CancelExplicit      CancelReason = "explicit"
	CancelTimeout       CancelReason = "timeout"
	CancelTargetOffline CancelReason = "target_offline"
	CancelRejected      CancelReason = "registry_rejected"
	CancelRemote        CancelReason = "remote"
	// another driver took the car before the handoff completed
	CancelSuperseded CancelReason = "superseded"
)

type HandoffRequest struct {
	ID           string        `json:"id"`
	FromDriverID string        `json:"fromDriverId"`
	ToDriverID   string        `json:"toDriverId"`
	Notes        string        `json:"notes"`
	CreatedAt    time.Time     `json:"createdAt"`
	UpdatedAt    time.Time     `json:"updatedAt"`
	Status       HandoffStatus `json:"status"`
	CancelReason CancelReason  `json:"cancelReason,omitempty"`
}

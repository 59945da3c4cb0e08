package models

import (
	"errors"
	"time"
)

// Нормализованные статусы отправления.
const (
	ShipmentStatusPending   = "PENDING"
	ShipmentStatusPickedUp  = "PICKED_UP"
	ShipmentStatusInTransit = "IN_TRANSIT"
	ShipmentStatusDelivered = "DELIVERED"
	ShipmentStatusFailed    = "FAILED"
)

// ShipmentID is the booking identifier shared by agent and viewer. It names
// the realtime room.
type ShipmentID string

func (id ShipmentID) String() string { return string(id) }

// ErrShipmentNotFound is returned by every status store for unknown ids.
var ErrShipmentNotFound = errors.New("shipment not found")

type Shipment struct {
	ID            ShipmentID `json:"id"`
	Status        string     `json:"status"`
	AgentName     string     `json:"agentName,omitempty"`
	FailureReason *string    `json:"failureReason,omitempty"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}

// StatusHistoryEntry is one recorded transition of a shipment.
type StatusHistoryEntry struct {
	Status    string    `json:"status"`
	AgentName string    `json:"agentName,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	ChangedAt time.Time `json:"changedAt"`
}

type ShipmentStatusChange struct {
	ShipmentID ShipmentID
	Status     string
	AgentName  string
	Reason     string
	ChangedAt  time.Time
}

func IsKnownStatus(s string) bool {
	switch s {
	case ShipmentStatusPending, ShipmentStatusPickedUp, ShipmentStatusInTransit,
		ShipmentStatusDelivered, ShipmentStatusFailed:
		return true
	}
	return false
}

// IsTerminalStatus reports whether tracking must stop for the status.
func IsTerminalStatus(s string) bool {
	return s == ShipmentStatusDelivered || s == ShipmentStatusFailed
}

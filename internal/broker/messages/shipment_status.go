package messages

import (
	"time"

	"github.com/BearBump/LiveTrack/internal/models"
)

// ShipmentStatusChanged публикуется backend'ом в топик shipment.status при
// каждом переходе статуса отправления.
type ShipmentStatusChanged struct {
	ShipmentID string    `json:"shipment_id"`
	Status     string    `json:"status"`
	AgentName  string    `json:"agent_name,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	ChangedAt  time.Time `json:"changed_at"`
}

func (m ShipmentStatusChanged) ToChange() models.ShipmentStatusChange {
	return models.ShipmentStatusChange{
		ShipmentID: models.ShipmentID(m.ShipmentID),
		Status:     m.Status,
		AgentName:  m.AgentName,
		Reason:     m.Reason,
		ChangedAt:  m.ChangedAt,
	}
}

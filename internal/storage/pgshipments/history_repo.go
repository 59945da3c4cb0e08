package pgshipments

import (
	"context"

	"github.com/BearBump/LiveTrack/internal/models"
	"github.com/pkg/errors"
)

// ListStatusHistory returns transitions newest first.
func (s *Storage) ListStatusHistory(ctx context.Context, id models.ShipmentID, limit, offset int) ([]*models.StatusHistoryEntry, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := s.db.Query(ctx, `
SELECT status, agent_name, reason, changed_at
FROM shipment_status_history
WHERE shipment_id = $1
ORDER BY changed_at DESC, id DESC
LIMIT $2 OFFSET $3
`, string(id), limit, offset)
	if err != nil {
		return nil, errors.Wrap(err, "select status history")
	}
	defer rows.Close()

	out := []*models.StatusHistoryEntry{}
	for rows.Next() {
		var e models.StatusHistoryEntry
		if err := rows.Scan(&e.Status, &e.AgentName, &e.Reason, &e.ChangedAt); err != nil {
			return nil, errors.Wrap(err, "scan status history")
		}
		out = append(out, &e)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}

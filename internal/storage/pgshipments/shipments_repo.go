package pgshipments

import (
	"context"
	"time"

	"github.com/BearBump/LiveTrack/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
)

const shipmentColumns = `id, status, agent_name, failure_reason, updated_at`

func scanShipment(row pgx.Row) (*models.Shipment, error) {
	var sh models.Shipment
	var id string
	if err := row.Scan(&id, &sh.Status, &sh.AgentName, &sh.FailureReason, &sh.UpdatedAt); err != nil {
		return nil, err
	}
	sh.ID = models.ShipmentID(id)
	return &sh, nil
}

func (s *Storage) GetShipment(ctx context.Context, id models.ShipmentID) (*models.Shipment, error) {
	sh, err := scanShipment(s.db.QueryRow(ctx, `SELECT `+shipmentColumns+` FROM shipments WHERE id = $1`, string(id)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errors.Wrapf(models.ErrShipmentNotFound, "%s", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "select shipment")
	}
	return sh, nil
}

// UpdateStatus upserts the shipment and appends the transition to its
// history in one transaction. An empty agentName keeps the stored one;
// failure_reason is only kept while the shipment is FAILED.
func (s *Storage) UpdateStatus(ctx context.Context, id models.ShipmentID, status, agentName, reason string) (*models.Shipment, error) {
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var failure *string
	if status == models.ShipmentStatusFailed && reason != "" {
		failure = &reason
	}

	sh, err := scanShipment(tx.QueryRow(ctx, `
INSERT INTO shipments (id, status, agent_name, failure_reason, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $5)
ON CONFLICT (id) DO UPDATE SET
  status = EXCLUDED.status,
  agent_name = CASE WHEN EXCLUDED.agent_name = '' THEN shipments.agent_name ELSE EXCLUDED.agent_name END,
  failure_reason = EXCLUDED.failure_reason,
  updated_at = EXCLUDED.updated_at
RETURNING `+shipmentColumns, string(id), status, agentName, failure, now))
	if err != nil {
		return nil, errors.Wrap(err, "upsert shipment")
	}

	if _, err := tx.Exec(ctx, `
INSERT INTO shipment_status_history (shipment_id, status, agent_name, reason, changed_at)
VALUES ($1, $2, $3, $4, $5)
`, string(id), status, sh.AgentName, reason, now); err != nil {
		return nil, errors.Wrap(err, "insert status history")
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, errors.Wrap(err, "commit tx")
	}
	return sh, nil
}

// ListInTransit returns in-transit shipments, limited to one agent when
// agentName is set.
func (s *Storage) ListInTransit(ctx context.Context, agentName string) ([]*models.Shipment, error) {
	rows, err := s.db.Query(ctx, `
SELECT `+shipmentColumns+`
FROM shipments
WHERE status = $1
  AND ($2 = '' OR agent_name = $2)
ORDER BY updated_at ASC
`, models.ShipmentStatusInTransit, agentName)
	if err != nil {
		return nil, errors.Wrap(err, "select in-transit shipments")
	}
	defer rows.Close()

	out := []*models.Shipment{}
	for rows.Next() {
		sh, err := scanShipment(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan shipment")
		}
		out = append(out, sh)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}

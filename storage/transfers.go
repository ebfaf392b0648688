package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/samber/lo"

	"peerxfer/transfer"
)

const transferColumns = `
	transfer_id,
	direction,
	peer_device_id,
	local_path,
	total_size,
	bytes_transferred,
	status,
	error,
	created_at,
	updated_at`

// reopensFinished is true when an upsert would move a finished row back to an
// active status.
const reopensFinished = `transfers.status IN ('completed','cancelled','failed')
				AND excluded.status NOT IN ('completed','cancelled','failed')`

// UpsertTransfer inserts a transfer row or updates the mutable fields of an
// existing one. An empty local path or peer never overwrites a stored one,
// created_at is kept from the first insert and a finished row is never
// reopened by a late non-terminal write.
func (s *Store) UpsertTransfer(row Transfer) error {
	if row.TransferID == "" {
		return errors.New("transfer_id is required")
	}
	if err := validateDirection(row.Direction); err != nil {
		return err
	}
	if err := validateStatus(row.Status); err != nil {
		return err
	}
	if row.UpdatedAt == 0 {
		row.UpdatedAt = nowUnixMilli()
	}
	if row.CreatedAt == 0 {
		row.CreatedAt = row.UpdatedAt
	}

	_, err := s.db.Exec(
		`INSERT INTO transfers (`+transferColumns+`
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(transfer_id) DO UPDATE SET
			peer_device_id = CASE WHEN excluded.peer_device_id <> '' THEN excluded.peer_device_id ELSE transfers.peer_device_id END,
			local_path = CASE WHEN excluded.local_path <> '' THEN excluded.local_path ELSE transfers.local_path END,
			total_size = excluded.total_size,
			bytes_transferred = MAX(transfers.bytes_transferred, excluded.bytes_transferred),
			status = CASE WHEN `+reopensFinished+` THEN transfers.status ELSE excluded.status END,
			error = CASE WHEN `+reopensFinished+` THEN transfers.error ELSE excluded.error END,
			updated_at = MAX(transfers.updated_at, excluded.updated_at)`,
		row.TransferID,
		row.Direction,
		row.PeerDeviceID,
		row.LocalPath,
		row.TotalSize,
		row.BytesTransferred,
		row.Status,
		row.Error,
		row.CreatedAt,
		row.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert transfer %q: %w", row.TransferID, err)
	}
	return nil
}

// GetTransfer fetches one transfer by id.
func (s *Store) GetTransfer(transferID string) (*Transfer, error) {
	row := s.db.QueryRow(`SELECT `+transferColumns+` FROM transfers WHERE transfer_id = ?`, transferID)

	out, err := scanTransfer(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get transfer %q: %w", transferID, err)
	}
	return out, nil
}

// ListTransfers returns transfers newest first.
func (s *Store) ListTransfers(filter TransferFilter) ([]Transfer, error) {
	if filter.Direction != "" {
		if err := validateDirection(filter.Direction); err != nil {
			return nil, err
		}
	}
	for _, status := range filter.Statuses {
		if err := validateStatus(status); err != nil {
			return nil, err
		}
	}

	var (
		clauses []string
		args    []any
	)
	if filter.PeerDeviceID != "" {
		clauses = append(clauses, "peer_device_id = ?")
		args = append(args, filter.PeerDeviceID)
	}
	if filter.Direction != "" {
		clauses = append(clauses, "direction = ?")
		args = append(args, filter.Direction)
	}
	if statuses := lo.Uniq(filter.Statuses); len(statuses) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(statuses)), ",")
		clauses = append(clauses, "status IN ("+placeholders+")")
		args = append(args, lo.ToAnySlice(statuses)...)
	}

	query := `SELECT ` + transferColumns + ` FROM transfers`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY updated_at DESC, transfer_id"
	if filter.Limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, filter.Limit, max(filter.Offset, 0))
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list transfers: %w", err)
	}
	defer rows.Close()

	transfers := make([]Transfer, 0)
	for rows.Next() {
		row, err := scanTransfer(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transfer row: %w", err)
		}
		transfers = append(transfers, *row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transfer rows: %w", err)
	}
	return transfers, nil
}

// DeleteTransfersOlderThan removes finished transfers last updated before
// cutoffTimestamp. Active transfers are never removed.
func (s *Store) DeleteTransfersOlderThan(cutoffTimestamp int64) (int64, error) {
	if cutoffTimestamp <= 0 {
		return 0, errors.New("cutoff timestamp must be > 0")
	}

	res, err := s.db.Exec(
		`DELETE FROM transfers WHERE updated_at < ? AND status IN (?, ?, ?)`,
		cutoffTimestamp,
		transfer.StatusCompleted.String(),
		transfer.StatusCancelled.String(),
		transfer.StatusFailed.String(),
	)
	if err != nil {
		return 0, fmt.Errorf("delete old transfers: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("read rows affected for transfer prune: %w", err)
	}
	return rowsAffected, nil
}

// MarkInterrupted fails every transfer left active by a previous run.
func (s *Store) MarkInterrupted(reason string) (int64, error) {
	res, err := s.db.Exec(
		`UPDATE transfers
		SET status = ?, error = ?, updated_at = ?
		WHERE status NOT IN (?, ?, ?)`,
		transfer.StatusFailed.String(),
		reason,
		nowUnixMilli(),
		transfer.StatusCompleted.String(),
		transfer.StatusCancelled.String(),
		transfer.StatusFailed.String(),
	)
	if err != nil {
		return 0, fmt.Errorf("mark interrupted transfers: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("read rows affected for interrupted transfers: %w", err)
	}
	return rowsAffected, nil
}

func scanTransfer(row scanner) (*Transfer, error) {
	var out Transfer
	if err := row.Scan(
		&out.TransferID,
		&out.Direction,
		&out.PeerDeviceID,
		&out.LocalPath,
		&out.TotalSize,
		&out.BytesTransferred,
		&out.Status,
		&out.Error,
		&out.CreatedAt,
		&out.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &out, nil
}

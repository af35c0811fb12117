package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"cryptsend/models"
)

// DefaultListLimit bounds ListTransfers when no limit is given.
const DefaultListLimit = 50

// InterruptedErrorKind marks a transfer whose process exited mid-session.
const InterruptedErrorKind = "Interrupted"

const transferColumns = `
			transfer_id,
			direction,
			peer_address,
			filename,
			filesize,
			stored_path,
			status,
			error_kind,
			started_at,
			finished_at`

// BeginTransfer inserts a new transfer row.
func (s *Store) BeginTransfer(transfer models.Transfer) error {
	if transfer.TransferID == "" {
		return errors.New("transfer_id is required")
	}
	if transfer.Filename == "" {
		return errors.New("filename is required")
	}
	if transfer.Filesize < 0 {
		return errors.New("filesize must be >= 0")
	}
	if err := validateDirection(transfer.Direction); err != nil {
		return err
	}
	if transfer.Status == "" {
		transfer.Status = models.StatusInProgress
	}
	if err := validateStatus(transfer.Status); err != nil {
		return err
	}
	if transfer.StartedAt == 0 {
		transfer.StartedAt = nowUnixMilli()
	}

	_, err := s.db.Exec(
		`INSERT INTO transfers (`+transferColumns+`
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		transfer.TransferID,
		transfer.Direction,
		transfer.PeerAddress,
		transfer.Filename,
		transfer.Filesize,
		transfer.StoredPath,
		transfer.Status,
		transfer.ErrorKind,
		transfer.StartedAt,
		nullInt64(transfer.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("insert transfer %q: %w", transfer.TransferID, err)
	}

	return nil
}

// FinishTransfer records the terminal status of a transfer.
func (s *Store) FinishTransfer(transferID, status, errorKind string) error {
	if transferID == "" {
		return errors.New("transfer_id is required")
	}
	if err := validateStatus(status); err != nil {
		return err
	}
	if status == models.StatusInProgress {
		return errors.New("finish status must be complete or failed")
	}

	res, err := s.db.Exec(
		`UPDATE transfers
		SET status = ?, error_kind = ?, finished_at = ?
		WHERE transfer_id = ?`,
		status,
		errorKind,
		nowUnixMilli(),
		transferID,
	)
	if err != nil {
		return fmt.Errorf("finish transfer %q: %w", transferID, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read affected rows for transfer %q: %w", transferID, err)
	}
	if affected == 0 {
		return ErrNotFound
	}

	return nil
}

// GetTransfer returns one transfer by ID.
func (s *Store) GetTransfer(transferID string) (*models.Transfer, error) {
	if transferID == "" {
		return nil, errors.New("transfer_id is required")
	}

	row := s.db.QueryRow(
		`SELECT`+transferColumns+`
		FROM transfers
		WHERE transfer_id = ?`,
		transferID,
	)

	transfer, err := scanTransfer(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get transfer %q: %w", transferID, err)
	}

	return transfer, nil
}

// ListTransfers returns the most recent transfers, newest first.
func (s *Store) ListTransfers(limit int) ([]models.Transfer, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}

	rows, err := s.db.Query(
		`SELECT`+transferColumns+`
		FROM transfers
		ORDER BY started_at DESC, transfer_id
		LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list transfers: %w", err)
	}
	defer rows.Close()

	transfers := make([]models.Transfer, 0)
	for rows.Next() {
		transfer, err := scanTransfer(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transfer: %w", err)
		}
		transfers = append(transfers, *transfer)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transfers: %w", err)
	}

	return transfers, nil
}

// MarkInterruptedTransfers fails every transfer in direction that is still
// in_progress. Only the owner of that direction may call it, before it
// starts any session of its own.
func (s *Store) MarkInterruptedTransfers(direction string) (int64, error) {
	if err := validateDirection(direction); err != nil {
		return 0, err
	}

	res, err := s.db.Exec(
		`UPDATE transfers
		SET status = ?, error_kind = ?, finished_at = ?
		WHERE status = ? AND direction = ?`,
		models.StatusFailed,
		InterruptedErrorKind,
		nowUnixMilli(),
		models.StatusInProgress,
		direction,
	)
	if err != nil {
		return 0, fmt.Errorf("mark interrupted transfers: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("read affected rows for interrupted transfers: %w", err)
	}
	return affected, nil
}

// PruneTransfers deletes finished transfers that started before now-olderThan.
func (s *Store) PruneTransfers(olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		return 0, nil
	}

	cutoff := time.Now().Add(-olderThan).UnixMilli()
	res, err := s.db.Exec(
		`DELETE FROM transfers
		WHERE status != ? AND started_at < ?`,
		models.StatusInProgress,
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("prune transfers: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("read affected rows for pruned transfers: %w", err)
	}
	return affected, nil
}

func scanTransfer(row scanner) (*models.Transfer, error) {
	var (
		transfer   models.Transfer
		finishedAt sql.NullInt64
	)
	if err := row.Scan(
		&transfer.TransferID,
		&transfer.Direction,
		&transfer.PeerAddress,
		&transfer.Filename,
		&transfer.Filesize,
		&transfer.StoredPath,
		&transfer.Status,
		&transfer.ErrorKind,
		&transfer.StartedAt,
		&finishedAt,
	); err != nil {
		return nil, err
	}
	if finishedAt.Valid {
		transfer.FinishedAt = finishedAt.Int64
	}
	return &transfer, nil
}

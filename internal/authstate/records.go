package authstate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// RecordTypeCreds is the record type holding an instance's identity blob.
// All other record types are opaque signal key identifiers.
const RecordTypeCreds = "creds"

// Record is a single persisted auth record.
type Record struct {
	InstanceID string
	RecordType string
	Data       []byte
	UpdatedAt  string
}

// ReadRecord returns the data blob for (instanceID, recordType), or nil
// with no error when the record does not exist.
func (s *Store) ReadRecord(ctx context.Context, instanceID, recordType string) ([]byte, error) {
	instanceID, recordType, err := normaliseKey("read record", instanceID, recordType)
	if err != nil {
		return nil, err
	}

	var data []byte
	row := s.db.QueryRowContext(ctx, `
		SELECT data FROM auth_records
		WHERE instance_id = ? AND record_type = ?
	`, instanceID, recordType)
	if err := row.Scan(&data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("authstate: read record %s/%s: %w", instanceID, recordType, err)
	}
	return data, nil
}

// WriteRecord upserts the data blob for (instanceID, recordType).
// Last write wins.
func (s *Store) WriteRecord(ctx context.Context, instanceID, recordType string, data []byte) error {
	if err := s.ensureWritable("write record"); err != nil {
		return err
	}
	instanceID, recordType, err := normaliseKey("write record", instanceID, recordType)
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return fmt.Errorf("authstate: write record %s/%s: data required", instanceID, recordType)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO auth_records (instance_id, record_type, data, updated_at)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT (instance_id, record_type) DO UPDATE SET
			data = excluded.data,
			updated_at = CURRENT_TIMESTAMP
	`, instanceID, recordType, data)
	if err != nil {
		return fmt.Errorf("authstate: write record %s/%s: %w", instanceID, recordType, err)
	}
	return nil
}

// DeleteRecord removes a single record. Deleting a missing record is not
// an error (idempotent delete).
func (s *Store) DeleteRecord(ctx context.Context, instanceID, recordType string) error {
	if err := s.ensureWritable("delete record"); err != nil {
		return err
	}
	instanceID, recordType, err := normaliseKey("delete record", instanceID, recordType)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		DELETE FROM auth_records
		WHERE instance_id = ? AND record_type = ?
	`, instanceID, recordType)
	if err != nil {
		return fmt.Errorf("authstate: delete record %s/%s: %w", instanceID, recordType, err)
	}
	return nil
}

// DeleteInstance removes every record belonging to an instance. Used when
// an instance logs out or is deleted.
func (s *Store) DeleteInstance(ctx context.Context, instanceID string) error {
	if err := s.ensureWritable("delete instance"); err != nil {
		return err
	}
	instanceID = strings.TrimSpace(instanceID)
	if instanceID == "" {
		return fmt.Errorf("authstate: delete instance: instance_id required")
	}

	_, err := s.db.ExecContext(ctx, `DELETE FROM auth_records WHERE instance_id = ?`, instanceID)
	if err != nil {
		return fmt.Errorf("authstate: delete instance %s: %w", instanceID, err)
	}
	return nil
}

// ListInstanceIDs returns the ids of all instances that have a persisted
// creds record, ordered by creation time. Used at boot to restore sessions.
func (s *Store) ListInstanceIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT instance_id FROM auth_records
		WHERE record_type = ?
		ORDER BY created_at
	`, RecordTypeCreds)
	if err != nil {
		return nil, fmt.Errorf("authstate: list instances: %w", err)
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("authstate: scan instance id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("authstate: iterate instance ids: %w", err)
	}
	return ids, nil
}

// ListRecords returns all records for an instance, ordered by record type.
func (s *Store) ListRecords(ctx context.Context, instanceID string) ([]Record, error) {
	instanceID = strings.TrimSpace(instanceID)
	if instanceID == "" {
		return nil, fmt.Errorf("authstate: list records: instance_id required")
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT instance_id, record_type, data, updated_at
		FROM auth_records
		WHERE instance_id = ?
		ORDER BY record_type
	`, instanceID)
	if err != nil {
		return nil, fmt.Errorf("authstate: list records for %s: %w", instanceID, err)
	}
	defer rows.Close()

	result := []Record{}
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.InstanceID, &rec.RecordType, &rec.Data, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("authstate: scan record: %w", err)
		}
		result = append(result, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("authstate: iterate records: %w", err)
	}
	return result, nil
}

func normaliseKey(op, instanceID, recordType string) (string, string, error) {
	instanceID = strings.TrimSpace(instanceID)
	recordType = strings.TrimSpace(recordType)
	if instanceID == "" {
		return "", "", fmt.Errorf("authstate: %s: instance_id required", op)
	}
	if recordType == "" {
		return "", "", fmt.Errorf("authstate: %s: record_type required", op)
	}
	return instanceID, recordType, nil
}

package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/BTreeMap/SlotPipe/internal/models"
)

const transferColumns = `id, conversation_id, reference, account_label, amount, payee, status, created_at`

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransfer(row rowScanner) (models.Transfer, error) {
	var t models.Transfer
	var reference sql.NullString
	err := row.Scan(&t.ID, &t.ConversationID, &reference, &t.AccountLabel, &t.Amount, &t.Payee, &t.Status, &t.CreatedAt)
	if err != nil {
		return t, err
	}
	t.Reference = reference.String
	return t, nil
}

func scanTransfers(rows *sql.Rows) ([]models.Transfer, error) {
	var out []models.Transfer
	for rows.Next() {
		t, err := scanTransfer(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transfer failed: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate transfer rows: %w", err)
	}
	return out, nil
}

// encodeStateData converts flow state data to a JSON document; empty maps become "".
func encodeStateData(data map[models.DataKey]string) (string, error) {
	if len(data) == 0 {
		return "", nil
	}
	b, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("failed to encode state data: %w", err)
	}
	return string(b), nil
}

func decodeStateData(raw string) (map[models.DataKey]string, error) {
	data := make(map[models.DataKey]string)
	if raw == "" {
		return data, nil
	}
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		return nil, fmt.Errorf("failed to decode state data: %w", err)
	}
	return data, nil
}

package postgres

import (
	"context"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/segmentio/ksuid"

	"github.com/and161185/lendingdesk/internal/model"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// NotificationOutbox records notification requests for an external delivery worker.
// It implements notify.Sink.
type NotificationOutbox struct{ db *DB }

// NewNotificationOutbox constructs the outbox sink.
func NewNotificationOutbox(db *DB) *NotificationOutbox { return &NotificationOutbox{db: db} }

type outboxPayload struct {
	LoanID  string     `json:"loan_id"`
	ItemID  int64      `json:"item_id"`
	DueDate *time.Time `json:"due_date,omitempty"`
}

// Deliver stores one request row keyed by a time-sortable ksuid.
func (o *NotificationOutbox) Deliver(ctx context.Context, n model.Notification) error {
	const q = `INSERT INTO notification_requests (id, kind, borrower_id, payload) VALUES ($1, $2, $3, $4)`
	payload, err := json.Marshal(outboxPayload{LoanID: n.LoanID.String(), ItemID: n.ItemID, DueDate: n.DueDate})
	if err != nil {
		return err
	}
	_, err = o.db.Pool.Exec(ctx, q, ksuid.New().String(), string(n.Kind), n.BorrowerID, payload)
	return err
}

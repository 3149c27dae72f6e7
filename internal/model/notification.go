package model

import (
	"time"

	"github.com/gofrs/uuid/v5"
)

// NotificationKind names the event a borrower is told about.
type NotificationKind string

// Notification kinds.
const (
	NotifyLoanConfirmed  NotificationKind = "loan_confirmed"
	NotifyReturned       NotificationKind = "returned"
	NotifyRenewed        NotificationKind = "renewed"
	NotifyExtended       NotificationKind = "extended"
	NotifyExtensionNudge NotificationKind = "extension_nudge"
)

// Notification is a request to notify a borrower. Delivery is someone else's job.
type Notification struct {
	Kind       NotificationKind
	BorrowerID int64
	LoanID     uuid.UUID
	ItemID     int64
	DueDate    *time.Time
}

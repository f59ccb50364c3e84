package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	NotificationOrderConfirmation  = "order_confirmation"
	NotificationInvoice            = "invoice"
	NotificationShipment           = "shipment"
	NotificationStockIssueCustomer = "stock_issue_customer"
	NotificationStockIssueOwner    = "stock_issue_owner"
	NotificationRefundConfirmation = "refund_confirmation"

	NotificationStatusSending = "sending"
	NotificationStatusSent    = "sent"
	NotificationStatusFailed  = "failed"
)

var NotificationKinds = []string{
	NotificationOrderConfirmation,
	NotificationInvoice,
	NotificationShipment,
	NotificationStockIssueCustomer,
	NotificationStockIssueOwner,
	NotificationRefundConfirmation,
}

func IsNotificationKind(kind string) bool {
	for _, k := range NotificationKinds {
		if k == kind {
			return true
		}
	}
	return false
}

// NotificationRecord logs one send of one kind for one order. Automatic sends
// are unique per (order_id, kind); manual resends are appended freely.
type NotificationRecord struct {
	ID        uuid.UUID  `json:"id" gorm:"type:uuid;default:gen_random_uuid();primaryKey"`
	OrderID   uuid.UUID  `json:"order_id" gorm:"type:uuid;not null;index:idx_notification_once,unique,where:manual = false"`
	Kind      string     `json:"kind" gorm:"type:varchar(40);not null;index:idx_notification_once,unique,where:manual = false"`
	StoreID   uuid.UUID  `json:"store_id" gorm:"type:uuid;not null;index"`
	Recipient string     `json:"recipient" gorm:"type:varchar(255);not null"`
	Status    string     `json:"status" gorm:"type:varchar(20);not null"`
	Manual    bool       `json:"manual" gorm:"not null;default:false"`
	Attempts  int        `json:"attempts" gorm:"not null;default:1"`
	MessageID string     `json:"message_id,omitempty"`
	Error     string     `json:"error,omitempty" gorm:"type:text"`
	SentAt    *time.Time `json:"sent_at,omitempty"`
	CreatedAt time.Time  `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt time.Time  `json:"updated_at" gorm:"autoUpdateTime"`
}

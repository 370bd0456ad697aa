package models

import (
	"time"

	"gorm.io/gorm"
)

// Delivery outcomes
const (
	DeliveryDelivered = "delivered"
	DeliveryFailed    = "failed"
	DeliveryMediaLost = "media_unavailable"
)

// Delivery records the outcome of relaying one inbound message to the orchestrator
type Delivery struct {
	ID         uint           `gorm:"primaryKey;autoIncrement" json:"id"`
	MessageID  string         `gorm:"size:100;index" json:"message_id"`
	Sender     string         `gorm:"size:100;not null;index" json:"sender"`
	Phone      string         `gorm:"size:20;index" json:"phone,omitempty"`
	Kind       string         `gorm:"size:20;not null" json:"kind"`
	Text       string         `gorm:"type:text" json:"text"`
	MimeType   string         `gorm:"size:100" json:"mime_type,omitempty"`
	Status     string         `gorm:"size:20;not null;index" json:"status"`
	HTTPStatus int            `json:"http_status,omitempty"`
	Error      string         `gorm:"type:text" json:"error,omitempty"`
	Timestamp  time.Time      `gorm:"not null;index" json:"timestamp"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"-"`
	DeletedAt  gorm.DeletedAt `gorm:"index" json:"-"`
}

// TableName specifies the table name for the Delivery model
func (Delivery) TableName() string {
	return "relay_deliveries"
}

// DeliveryStats represents delivery statistics
type DeliveryStats struct {
	Total          int64 `json:"total"`
	Delivered      int64 `json:"delivered"`
	Failed         int64 `json:"failed"`
	MediaLost      int64 `json:"media_unavailable"`
	DeliveredToday int64 `json:"delivered_today"`
}

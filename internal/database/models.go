package database

import "time"

type Setting struct {
	Key       string    `gorm:"primaryKey" json:"key"`
	Value     string    `gorm:"not null" json:"value"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// AuditLog is one recorded SSH action against a device.
type AuditLog struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	Device     string    `gorm:"index;size:255" json:"device"`
	EventType  string    `gorm:"index;size:64" json:"event_type"`
	Username   string    `gorm:"size:255" json:"username"`
	Details    string    `json:"details"`
	Outcome    string    `gorm:"size:32" json:"outcome"`
	DurationMs int64     `json:"duration_ms"`
	CreatedAt  time.Time `gorm:"index" json:"created_at"`
}

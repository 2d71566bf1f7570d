package sshaudit

import (
	"log"
	"time"

	"github.com/webosbrew/dev-manager-desktop/internal/database"
	"github.com/webosbrew/dev-manager-desktop/internal/logging"
	"gorm.io/gorm"
)

// Event types for SSH audit logging.
const (
	EventConnectionEstablished = "connection_established"
	EventConnectionFailed      = "connection_failed"
	EventConnectionClosed      = "connection_closed"
	EventCommandExecution      = "command_execution"
	EventProcessSpawn          = "process_spawn"
	EventProcessEnd            = "process_end"
	EventFileOperation         = "file_operation"
	EventShellSessionStart     = "shell_session_start"
	EventShellSessionEnd       = "shell_session_end"
)

// Outcome values.
const (
	OutcomeOK    = "ok"
	OutcomeError = "error"
)

// DefaultRetentionDays is the default number of days to keep audit logs.
const DefaultRetentionDays = 90

// Entry contains the fields needed to create an audit log entry.
type Entry struct {
	Device     string
	EventType  string
	Username   string
	Details    string
	Outcome    string
	DurationMs int64
}

// Auditor records and queries SSH audit logs.
type Auditor struct {
	db            *gorm.DB
	retentionDays int
	nowFn         func() time.Time
}

// NewAuditor creates an Auditor writing to db, migrating the audit table.
// If retentionDays is 0, DefaultRetentionDays is used.
func NewAuditor(db *gorm.DB, retentionDays int) (*Auditor, error) {
	if err := db.AutoMigrate(&database.AuditLog{}); err != nil {
		return nil, err
	}
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}
	return &Auditor{db: db, retentionDays: retentionDays, nowFn: time.Now}, nil
}

// Log records an audit event to the database and standard logger.
// A nil Auditor discards the event.
func (a *Auditor) Log(entry Entry) error {
	if a == nil {
		return nil
	}
	if entry.Outcome == "" {
		entry.Outcome = OutcomeOK
	}
	record := database.AuditLog{
		Device:     entry.Device,
		EventType:  entry.EventType,
		Username:   entry.Username,
		Details:    entry.Details,
		Outcome:    entry.Outcome,
		DurationMs: entry.DurationMs,
		CreatedAt:  a.nowFn(),
	}
	if err := a.db.Create(&record).Error; err != nil {
		log.Printf("[ssh-audit] failed to write audit log: %v", err)
		return err
	}

	log.Printf("[ssh-audit] %s device=%s user=%s outcome=%s details=%s",
		entry.EventType,
		logging.Sanitize(entry.Device),
		logging.Sanitize(entry.Username),
		entry.Outcome,
		logging.Sanitize(entry.Details),
	)
	return nil
}

// QueryOptions specifies filters for retrieving audit logs.
type QueryOptions struct {
	Device    string
	EventType string
	Since     *time.Time
	Until     *time.Time
	Limit     int
	Offset    int
}

// QueryResult contains audit log entries and pagination metadata.
type QueryResult struct {
	Entries []database.AuditLog `json:"entries"`
	Total   int64               `json:"total"`
	Limit   int                 `json:"limit"`
	Offset  int                 `json:"offset"`
}

// Query retrieves audit log entries matching opts, newest first.
func (a *Auditor) Query(opts QueryOptions) (*QueryResult, error) {
	tx := a.db.Model(&database.AuditLog{})

	if opts.Device != "" {
		tx = tx.Where("device = ?", opts.Device)
	}
	if opts.EventType != "" {
		tx = tx.Where("event_type = ?", opts.EventType)
	}
	if opts.Since != nil {
		tx = tx.Where("created_at >= ?", *opts.Since)
	}
	if opts.Until != nil {
		tx = tx.Where("created_at <= ?", *opts.Until)
	}

	var total int64
	if err := tx.Count(&total).Error; err != nil {
		return nil, err
	}

	if opts.Limit <= 0 {
		opts.Limit = 50
	}
	if opts.Limit > 1000 {
		opts.Limit = 1000
	}
	if opts.Offset < 0 {
		opts.Offset = 0
	}

	var entries []database.AuditLog
	if err := tx.Order("created_at DESC, id DESC").Offset(opts.Offset).Limit(opts.Limit).Find(&entries).Error; err != nil {
		return nil, err
	}

	return &QueryResult{
		Entries: entries,
		Total:   total,
		Limit:   opts.Limit,
		Offset:  opts.Offset,
	}, nil
}

// PurgeOlderThan removes entries older than days (the retention period when
// days is 0) and returns the number deleted.
func (a *Auditor) PurgeOlderThan(days int) (int64, error) {
	if a == nil {
		return 0, nil
	}
	if days <= 0 {
		days = a.retentionDays
	}
	cutoff := a.nowFn().AddDate(0, 0, -days)
	result := a.db.Where("created_at < ?", cutoff).Delete(&database.AuditLog{})
	if result.Error != nil {
		log.Printf("[ssh-audit] purge failed: %v", result.Error)
		return 0, result.Error
	}
	if result.RowsAffected > 0 {
		log.Printf("[ssh-audit] purged %d audit log entries older than %d days", result.RowsAffected, days)
	}
	return result.RowsAffected, nil
}

// RetentionDays returns the configured retention period.
func (a *Auditor) RetentionDays() int {
	return a.retentionDays
}

// SetNowFunc sets the clock function used for testing.
func (a *Auditor) SetNowFunc(fn func() time.Time) {
	a.nowFn = fn
}

package database

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"trafficguard/internal/domain"
)

const (
	defaultAuditLimit = 50
	maxAuditLimit     = 500
)

// AuditLog persists blacklist changes.
type AuditLog struct {
	db *gorm.DB
}

func NewAuditLog(db *gorm.DB) *AuditLog {
	return &AuditLog{db: db}
}

func (a *AuditLog) Record(ctx context.Context, entry domain.BlacklistAuditEntry) error {
	if err := a.db.WithContext(ctx).Create(&entry).Error; err != nil {
		return fmt.Errorf("database: record audit entry: %w", err)
	}
	return nil
}

// Recent returns the newest entries first, optionally filtered by ip.
func (a *AuditLog) Recent(ctx context.Context, ip string, limit int) ([]domain.BlacklistAuditEntry, error) {
	if limit <= 0 {
		limit = defaultAuditLimit
	}
	if limit > maxAuditLimit {
		limit = maxAuditLimit
	}

	query := a.db.WithContext(ctx).Model(&domain.BlacklistAuditEntry{})
	if ip != "" {
		query = query.Where("ip = ?", ip)
	}

	var entries []domain.BlacklistAuditEntry
	if err := query.Order("created_at DESC").Order("id DESC").Limit(limit).Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("database: list audit entries: %w", err)
	}
	return entries, nil
}

package domain

import "time"

// BlacklistAuditEntry records one blacklist update pushed to the gateway.
type BlacklistAuditEntry struct {
	ID             uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	IP             string    `gorm:"size:64;not null;index" json:"ip"`
	Action         Action    `gorm:"size:16;not null" json:"action"`
	Changed        bool      `gorm:"not null" json:"changed"`
	UpstreamStatus int       `gorm:"not null" json:"upstreamStatus"`
	Actor          string    `gorm:"size:128;not null;default:''" json:"actor,omitempty"`
	Reason         string    `gorm:"size:512;not null;default:''" json:"reason,omitempty"`
	CreatedAt      time.Time `gorm:"autoCreateTime;index" json:"createdAt"`
}

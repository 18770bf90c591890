package models

import (
	"time"

	"gorm.io/gorm"
)

// SessionAudit is the persistent record of a finished (or running) streaming
// session. A row is written when the session opens and finalised when it
// reaches its terminal state; rows are purged after the retention window.
type SessionAudit struct {
	BaseModel

	// SessionID is the runtime session UUID.
	SessionID string `gorm:"size:36;not null;uniqueIndex" json:"session_id"`

	// ChannelID references the channel being streamed, when known.
	ChannelID ULID `gorm:"type:varchar(26);index" json:"channel_id"`

	// ChannelName is denormalised so audit rows outlive channel edits.
	ChannelName string `gorm:"size:512" json:"channel_name,omitempty"`

	// UpstreamURL is the resolved upstream, stored with credentials removed.
	UpstreamURL string `gorm:"size:4096" json:"upstream_url,omitempty"`

	// ClientAddr is the remote address of the first subscriber.
	ClientAddr string `gorm:"size:64" json:"client_addr,omitempty"`

	// UserAgent is the first subscriber's User-Agent.
	UserAgent string `gorm:"size:512" json:"user_agent,omitempty"`

	// ClientClass is the classified client kind (media-server, vlc, web...).
	ClientClass string `gorm:"size:32" json:"client_class,omitempty"`

	// Preview marks preview transcoder sessions.
	Preview bool `gorm:"default:false" json:"preview"`

	// StartedAt is when the session entered its starting state.
	StartedAt time.Time `gorm:"not null;index" json:"started_at"`

	// EndedAt is when the session reached its terminal state.
	EndedAt *time.Time `gorm:"index" json:"ended_at,omitempty"`

	// EndReason is the error kind that terminated the session, or "closed"
	// for a clean shutdown.
	EndReason string `gorm:"size:64" json:"end_reason,omitempty"`

	// EndDetail carries the human-readable terminal error detail.
	EndDetail string `gorm:"size:1024" json:"end_detail,omitempty"`

	// BytesOut is the total bytes delivered to all subscribers.
	BytesOut int64 `gorm:"default:0" json:"bytes_out"`

	// Restarts counts subprocess restarts over the session lifetime.
	Restarts int `gorm:"default:0" json:"restarts"`

	// Renewals counts upstream URL renewals over the session lifetime.
	Renewals int `gorm:"default:0" json:"renewals"`

	// PeakSubscribers is the highest concurrent subscriber count observed.
	PeakSubscribers int `gorm:"default:0" json:"peak_subscribers"`
}

// TableName returns the table name for SessionAudit.
func (SessionAudit) TableName() string {
	return "session_audits"
}

// Validate performs basic validation on the audit row.
func (a *SessionAudit) Validate() error {
	if a.SessionID == "" {
		return ErrSessionIDRequired
	}
	return nil
}

// BeforeCreate is a GORM hook that validates the row and generates its ID.
func (a *SessionAudit) BeforeCreate(tx *gorm.DB) error {
	if err := a.BaseModel.BeforeCreate(tx); err != nil {
		return err
	}
	return a.Validate()
}

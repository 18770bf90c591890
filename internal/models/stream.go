package models

import (
	"gorm.io/gorm"
)

// StreamKind describes how an upstream URL should be interpreted before
// any network probing happens.
type StreamKind string

const (
	// StreamKindAuto defers format detection to the resolver.
	StreamKindAuto StreamKind = "auto"
	// StreamKindHLS marks a playlist upstream.
	StreamKindHLS StreamKind = "hls"
	// StreamKindTS marks a continuous MPEG-TS upstream.
	StreamKindTS StreamKind = "ts"
)

// Stream is one upstream URL belonging to a channel. A channel may carry
// several streams; lower priority values are tried first.
type Stream struct {
	BaseModel

	// ChannelID is the foreign key to the owning Channel.
	ChannelID ULID `gorm:"type:varchar(26);not null;index" json:"channel_id"`

	// URL is the upstream stream URL as configured, possibly a beacon or
	// redirect wrapper.
	URL string `gorm:"size:4096;not null" json:"url"`

	// Kind hints the upstream format.
	Kind StreamKind `gorm:"size:16;default:auto" json:"kind"`

	// Priority orders streams within a channel; 0 is tried first.
	Priority int `gorm:"default:0" json:"priority"`

	// Enabled controls whether this stream is a resolution candidate.
	Enabled bool `gorm:"default:true" json:"enabled"`

	// UserAgent overrides the upstream request User-Agent when set.
	UserAgent string `gorm:"size:512" json:"user_agent,omitempty"`

	// Referer is sent on upstream requests when set. Some providers
	// reject requests without it.
	Referer string `gorm:"size:2048" json:"referer,omitempty"`

	// Channel is the relationship back to the owning Channel.
	Channel *Channel `gorm:"foreignKey:ChannelID" json:"channel,omitempty"`
}

// TableName returns the table name for Stream.
func (Stream) TableName() string {
	return "streams"
}

// Validate performs basic validation on the stream.
func (s *Stream) Validate() error {
	if s.ChannelID.IsZero() {
		return ErrChannelIDRequired
	}
	if s.URL == "" {
		return ErrURLRequired
	}
	return nil
}

// BeforeCreate is a GORM hook that validates the stream and generates its ID.
func (s *Stream) BeforeCreate(tx *gorm.DB) error {
	if err := s.BaseModel.BeforeCreate(tx); err != nil {
		return err
	}
	return s.Validate()
}

// BeforeUpdate is a GORM hook that validates the stream before update.
func (s *Stream) BeforeUpdate(tx *gorm.DB) error {
	return s.Validate()
}

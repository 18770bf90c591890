package models

import (
	"gorm.io/gorm"
)

// Channel represents a lineup entry presented to the media server.
type Channel struct {
	BaseModel

	// Number is the guide number the media server displays (e.g. "101").
	Number string `gorm:"size:32;not null;uniqueIndex" json:"number"`

	// Name is the display name of the channel.
	Name string `gorm:"size:512;not null" json:"name"`

	// EPGID is the guide identifier for external EPG matching.
	EPGID string `gorm:"size:255;index" json:"epg_id,omitempty"`

	// LogoURL is the URL to the channel logo.
	LogoURL string `gorm:"size:2048" json:"logo_url,omitempty"`

	// GroupTitle is the category the channel belongs to.
	GroupTitle string `gorm:"size:255;index" json:"group_title,omitempty"`

	// Enabled controls whether the channel appears in the lineup.
	Enabled bool `gorm:"default:true;index" json:"enabled"`

	// Streams are the upstream URLs for this channel, in priority order.
	Streams []Stream `gorm:"foreignKey:ChannelID" json:"streams,omitempty"`
}

// TableName returns the table name for Channel.
func (Channel) TableName() string {
	return "channels"
}

// Validate performs basic validation on the channel.
func (c *Channel) Validate() error {
	if c.Name == "" {
		return ErrNameRequired
	}
	return nil
}

// BeforeCreate is a GORM hook that validates the channel and generates its ID.
func (c *Channel) BeforeCreate(tx *gorm.DB) error {
	if err := c.BaseModel.BeforeCreate(tx); err != nil {
		return err
	}
	return c.Validate()
}

// BeforeUpdate is a GORM hook that validates the channel before update.
func (c *Channel) BeforeUpdate(tx *gorm.DB) error {
	return c.Validate()
}

// PrimaryStream returns the enabled stream with the lowest priority value,
// or nil when the channel has no usable stream.
func (c *Channel) PrimaryStream() *Stream {
	var best *Stream
	for i := range c.Streams {
		s := &c.Streams[i]
		if !s.Enabled {
			continue
		}
		if best == nil || s.Priority < best.Priority {
			best = s
		}
	}
	return best
}

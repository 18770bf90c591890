package models

import (
	"gorm.io/gorm"
)

// Setting is a persisted key/value override for runtime-tunable options.
type Setting struct {
	BaseModel

	Key         string `gorm:"size:255;not null;uniqueIndex" json:"key"`
	Value       string `gorm:"type:text" json:"value"`
	Description string `gorm:"size:1024" json:"description,omitempty"`
}

// TableName returns the table name for Setting.
func (Setting) TableName() string {
	return "settings"
}

// Validate performs basic validation on the setting.
func (s *Setting) Validate() error {
	if s.Key == "" {
		return ErrKeyRequired
	}
	return nil
}

// BeforeCreate is a GORM hook that validates the setting and generates its ID.
func (s *Setting) BeforeCreate(tx *gorm.DB) error {
	if err := s.BaseModel.BeforeCreate(tx); err != nil {
		return err
	}
	return s.Validate()
}

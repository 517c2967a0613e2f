package models

import "gorm.io/gorm"

// AutoMigrate creates or updates every relation the engine persists.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Pillar{},
		&Prospect{},
		&Sequence{},
		&SequenceStep{},
		&Template{},
		&Enrollment{},
		&ChannelThread{},
		&Message{},
		&Approval{},
		&ScoreHistory{},
		&ChannelSession{},
		&AICallLog{},
	)
}

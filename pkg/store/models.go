package store

import (
	"time"

	"gorm.io/datatypes"
)

// GORM models used for persistence.
type RecordModel struct {
	Namespace  string         `gorm:"primaryKey"`
	Collection string         `gorm:"primaryKey"`
	Key        string         `gorm:"primaryKey"`
	Data       datatypes.JSON `gorm:"type:jsonb;not null"`
	UpdatedAt  time.Time      `gorm:"not null"`
}

func (RecordModel) TableName() string { return "local_records" }

type SequenceModel struct {
	Namespace  string `gorm:"primaryKey"`
	Collection string `gorm:"primaryKey"`
	Value      int64  `gorm:"not null"`
}

func (SequenceModel) TableName() string { return "local_sequences" }

type SchemaModel struct {
	Namespace string    `gorm:"primaryKey"`
	Version   int       `gorm:"not null"`
	CreatedAt time.Time `gorm:"not null"`
}

func (SchemaModel) TableName() string { return "local_schema" }

func recordFromModel(m RecordModel) Record {
	return Record{Key: m.Key, Data: []byte(m.Data)}
}

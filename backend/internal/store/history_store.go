package store

import (
	"context"
	"encoding/json"
	"time"

	"gorm.io/gorm"

	"collabEditor/backend/internal/collab"
	"collabEditor/backend/internal/ot/operation"
)

// HistoryRecord 一条历史记录，operation 以 JSON 存储
type HistoryRecord struct {
	ID        uint64    `gorm:"primaryKey;autoIncrement"`
	Filename  string    `gorm:"size:255;index:idx_history_file"`
	UserID    string    `gorm:"size:64"`
	Revision  uint64    `gorm:"not null"`
	OpType    string    `gorm:"size:32"`
	Operation string    `gorm:"type:text"`
	AppliedAt time.Time `gorm:"not null"`
}

func (HistoryRecord) TableName() string { return "file_history" }

type HistoryStore struct{ db *gorm.DB }

var _ collab.HistoryStore = (*HistoryStore)(nil)

func NewHistoryStore(db *gorm.DB) *HistoryStore {
	return &HistoryStore{db: db}
}

func (s *HistoryStore) Migrate() error {
	return s.db.AutoMigrate(&HistoryRecord{})
}

func (s *HistoryStore) SaveHistory(ctx context.Context, filename string, entries []collab.HistoryEntry) error {
	if len(entries) == 0 {
		return nil
	}
	records := make([]HistoryRecord, 0, len(entries))
	for _, e := range entries {
		b, err := json.Marshal(e.Operation)
		if err != nil {
			return err
		}
		records = append(records, HistoryRecord{
			Filename:  filename,
			UserID:    e.UserID,
			Revision:  e.Revision,
			OpType:    string(e.Operation.Kind),
			Operation: string(b),
			AppliedAt: e.Timestamp,
		})
	}
	return s.db.WithContext(ctx).CreateInBatches(records, 200).Error
}

func (s *HistoryStore) LoadHistory(ctx context.Context, filename string) ([]collab.HistoryEntry, error) {
	var records []HistoryRecord
	err := s.db.WithContext(ctx).
		Where("filename = ?", filename).
		Order("id ASC").
		Find(&records).Error
	if err != nil {
		return nil, err
	}
	out := make([]collab.HistoryEntry, 0, len(records))
	for _, r := range records {
		var op operation.Operation
		if err := json.Unmarshal([]byte(r.Operation), &op); err != nil {
			return nil, err
		}
		out = append(out, collab.HistoryEntry{
			UserID:    r.UserID,
			Timestamp: r.AppliedAt,
			Revision:  r.Revision,
			Operation: op,
		})
	}
	return out, nil
}

func (s *HistoryStore) DeleteHistory(ctx context.Context, filename string) error {
	return s.db.WithContext(ctx).Where("filename = ?", filename).Delete(&HistoryRecord{}).Error
}

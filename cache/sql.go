package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const sqlOpTimeout = 5 * time.Second

type cacheEntry struct {
	CacheKey  string `gorm:"column:cache_key;primaryKey;size:191"`
	Value     []byte
	UpdatedAt time.Time
}

func (cacheEntry) TableName() string { return "cache_entries" }

// SQLStorage persists entries in a single gorm-managed table. It works with
// any dialector; the agent uses sqlite for a local file and mysql for a
// shared deployment.
type SQLStorage struct {
	db            *gorm.DB
	maxValueBytes int
}

func NewSQLStorage(db *gorm.DB, maxValueBytes int) (*SQLStorage, error) {
	if db == nil {
		return nil, ErrStorageUnavailable
	}
	if err := db.AutoMigrate(&cacheEntry{}); err != nil {
		return nil, fmt.Errorf("migrate cache_entries: %w", err)
	}
	return &SQLStorage{db: db, maxValueBytes: maxValueBytes}, nil
}

func (s *SQLStorage) Get(key string) ([]byte, bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), sqlOpTimeout)
	defer cancel()

	var entry cacheEntry
	err := s.db.WithContext(ctx).Where("cache_key = ?", key).First(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return entry.Value, true, nil
}

func (s *SQLStorage) Set(key string, value []byte) error {
	if s.maxValueBytes > 0 && len(value) > s.maxValueBytes {
		return ErrQuotaExceeded
	}
	ctx, cancel := context.WithTimeout(context.Background(), sqlOpTimeout)
	defer cancel()

	entry := cacheEntry{CacheKey: key, Value: value, UpdatedAt: time.Now().UTC()}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "cache_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&entry).Error
}

func (s *SQLStorage) Delete(key string) error {
	ctx, cancel := context.WithTimeout(context.Background(), sqlOpTimeout)
	defer cancel()
	return s.db.WithContext(ctx).Where("cache_key = ?", key).Delete(&cacheEntry{}).Error
}

// Keys filters in Go; the table only ever holds a handful of rows and this
// avoids dialect-specific LIKE escaping.
func (s *SQLStorage) Keys(prefix string) ([]string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), sqlOpTimeout)
	defer cancel()

	var all []string
	if err := s.db.WithContext(ctx).Model(&cacheEntry{}).Pluck("cache_key", &all).Error; err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(all))
	for _, k := range all {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

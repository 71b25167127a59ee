package users

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrNotFound indicates no record exists for the requested subject.
var ErrNotFound = errors.New("users: record not found")

// RefreshFields are the user record fields overwritten on every sign-in.
type RefreshFields struct {
	Avatar       string
	Username     string
	Name         string
	Email        string
	Bio          string
	SocialHandle string
	Link         string
}

// Store persists user records. Writes go through either a conditional create
// or a field-level merge so provisioning metadata survives returning sign-ins.
type Store struct {
	db *gorm.DB
}

// NewStore wraps the database connection for user record access.
func NewStore(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	return &Store{db: db}, nil
}

// Get loads the record for the subject, or ErrNotFound.
func (s *Store) Get(ctx context.Context, subject string) (Record, error) {
	var record Record
	err := s.db.WithContext(ctx).
		Where("subject = ?", subject).
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, err
	}
	return record, nil
}

// CreateIfAbsent inserts the record only when no row exists for its subject.
// The returned flag reports whether this caller performed the insert, which is
// how concurrent first sign-ins are disambiguated: exactly one caller creates
// the record and its one-time fields, every other caller falls through to the
// merge path.
func (s *Store) CreateIfAbsent(ctx context.Context, record Record) (bool, error) {
	result := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "subject"}},
			DoNothing: true,
		}).
		Create(&record)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// MergeRefresh overwrites only the refresh fields of an existing record,
// leaving Joined, Verified, Activity and the creation timestamp untouched.
func (s *Store) MergeRefresh(ctx context.Context, subject string, fields RefreshFields) error {
	return s.db.WithContext(ctx).
		Model(&Record{}).
		Where("subject = ?", subject).
		Updates(map[string]interface{}{
			"avatar":        fields.Avatar,
			"username":      fields.Username,
			"name":          fields.Name,
			"email":         fields.Email,
			"bio":           fields.Bio,
			"social_handle": fields.SocialHandle,
			"link":          fields.Link,
		}).Error
}

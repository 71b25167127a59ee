package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Revocation records the subject-level revocation watermark. Every session
// credential issued at or before RevokedAfterSeconds is treated as invalid,
// which implements the revoke-everywhere policy of sign-out.
type Revocation struct {
	Subject             string `gorm:"column:subject;primaryKey;size:190;not null"`
	RevokedAfterSeconds int64  `gorm:"column:revoked_after_s;not null"`
}

// TableName exposes the table backing session revocations.
func (Revocation) TableName() string {
	return "session_revocations"
}

// RevocationStore persists per-subject revocation watermarks.
type RevocationStore struct {
	db *gorm.DB
}

// NewRevocationStore wraps the database connection for revocation lookups.
func NewRevocationStore(db *gorm.DB) (*RevocationStore, error) {
	if db == nil {
		return nil, fmt.Errorf("auth: database connection required")
	}
	return &RevocationStore{db: db}, nil
}

// Revoke advances the subject's watermark to the supplied instant.
func (s *RevocationStore) Revoke(ctx context.Context, subject string, at time.Time) error {
	record := Revocation{Subject: subject, RevokedAfterSeconds: at.UTC().Unix()}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "subject"}},
			DoUpdates: clause.AssignmentColumns([]string{"revoked_after_s"}),
		}).
		Create(&record).Error
}

// RevokedAfter reports the subject's watermark; the zero time means the
// subject has never been revoked.
func (s *RevocationStore) RevokedAfter(ctx context.Context, subject string) (time.Time, error) {
	var record Revocation
	err := s.db.WithContext(ctx).
		Where("subject = ?", subject).
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(record.RevokedAfterSeconds, 0), nil
}

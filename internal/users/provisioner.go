package users

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/beacon/internal/auth"
	"github.com/MarcoPoloResearchLab/beacon/internal/profile"
	"go.uber.org/zap"
)

// RecordStore is the persistence contract the provisioner writes through.
type RecordStore interface {
	Get(ctx context.Context, subject string) (Record, error)
	CreateIfAbsent(ctx context.Context, record Record) (bool, error)
	MergeRefresh(ctx context.Context, subject string, fields RefreshFields) error
}

// ProvisionerConfig describes the dependencies required for user provisioning.
type ProvisionerConfig struct {
	Store  RecordStore
	Clock  func() time.Time
	Logger *zap.Logger
}

// Provisioner builds and persists user records from identity claims and the
// external profile, enforcing first-time-vs-returning-user semantics.
type Provisioner struct {
	store  RecordStore
	now    func() time.Time
	logger *zap.Logger
}

// NewProvisioner constructs the provisioner.
func NewProvisioner(cfg ProvisionerConfig) (*Provisioner, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("users: record store required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provisioner{
		store:  cfg.Store,
		now:    clock,
		logger: logger,
	}, nil
}

// Upsert persists the user record for the claims' subject. First-time subjects
// additionally get the one-time provisioning fields (creation timestamp, join
// label, verified flag, join activity entry) through a conditional create, so
// two racing first sign-ins still produce exactly one join entry: the loser of
// the insert falls through to the merge path, which never touches those fields.
func (p *Provisioner) Upsert(ctx context.Context, claims auth.IdentityClaims, externalProfile profile.ExternalProfile) error {
	refresh := RefreshFields{
		Avatar:       claims.Picture,
		Username:     externalProfile.Login,
		Name:         externalProfile.Name,
		Email:        claims.Email,
		Bio:          externalProfile.Bio,
		SocialHandle: externalProfile.SocialHandle,
		Link:         externalProfile.Link,
	}

	_, err := p.store.Get(ctx, claims.Subject)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}

	if errors.Is(err, ErrNotFound) {
		now := p.now().UTC()
		label := JoinLabel(now)
		record := Record{
			Subject:      claims.Subject,
			Avatar:       refresh.Avatar,
			Username:     refresh.Username,
			Name:         refresh.Name,
			Email:        refresh.Email,
			Bio:          refresh.Bio,
			SocialHandle: refresh.SocialHandle,
			Link:         refresh.Link,
			Verified:     false,
			Joined:       label,
			Activity: []ActivityEntry{
				{Type: "event", Event: "joined", Date: label},
			},
			CreatedAtSeconds: now.Unix(),
		}
		created, err := p.store.CreateIfAbsent(ctx, record)
		if err != nil {
			return err
		}
		if created {
			p.logger.Info("user record provisioned", zap.String("subject", claims.Subject))
			return nil
		}
		// Another sign-in won the insert between the existence check and the
		// create; treat this call as a returning user.
	}

	return p.store.MergeRefresh(ctx, claims.Subject, refresh)
}

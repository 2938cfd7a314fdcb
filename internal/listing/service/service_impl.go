package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gosimple/slug"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/baulisto/billing/internal/listing/domain"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Repo  domain.Repository
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	repo  domain.Repository
}

func New(p Params) domain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("listing.service"),
		genID: p.GenID,
		repo:  p.Repo,
	}
}

func (s *Service) Create(ctx context.Context, req domain.CreateRequest) (*domain.Construction, error) {
	title := strings.TrimSpace(req.Title)
	if title == "" {
		return nil, domain.ErrInvalidTitle
	}
	if !req.Category.Valid() {
		return nil, domain.ErrInvalidCategory
	}

	now := time.Now().UTC()
	id := s.genID.Generate()
	c := &domain.Construction{
		ID:        id.Int64(),
		OrgID:     req.OrgID,
		Title:     title,
		Slug:      slug.Make(title),
		Category:  req.Category,
		Status:    domain.StatusDraft,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if req.Metadata != nil {
		c.Metadata = datatypes.JSONMap(req.Metadata)
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := s.repo.FindBySlug(ctx, tx, req.OrgID, c.Slug)
		if err != nil {
			return err
		}
		if existing != nil {
			c.Slug = c.Slug + "-" + id.String()[:6]
		}
		return s.repo.Create(ctx, tx, c)
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (s *Service) Get(ctx context.Context, orgID, id int64) (*domain.Construction, error) {
	c, err := s.repo.FindByID(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if c == nil || c.OrgID != orgID {
		return nil, domain.ErrNotFound
	}
	return c, nil
}

func (s *Service) List(ctx context.Context, orgID int64, req domain.ListRequest) ([]domain.Construction, error) {
	return s.repo.List(ctx, s.db, orgID, req)
}

func (s *Service) Publish(ctx context.Context, orgID, id int64) error {
	c, err := s.Get(ctx, orgID, id)
	if err != nil {
		return err
	}
	moved, err := s.repo.TransitionStatus(ctx, s.db, c.ID, domain.StatusDraft, domain.StatusPublished)
	if err != nil {
		return err
	}
	if !moved {
		return domain.ErrInvalidStatus
	}
	return nil
}

func (s *Service) Archive(ctx context.Context, orgID, id int64) error {
	c, err := s.Get(ctx, orgID, id)
	if err != nil {
		return err
	}
	if c.Promoted {
		return domain.ErrListingPromoted
	}
	if c.Status == domain.StatusArchived {
		return domain.ErrInvalidStatus
	}
	moved, err := s.repo.TransitionStatus(ctx, s.db, c.ID, c.Status, domain.StatusArchived)
	if err != nil {
		return err
	}
	if !moved {
		return domain.ErrInvalidStatus
	}
	return nil
}

func (s *Service) RecordImpression(ctx context.Context, id int64) error {
	return s.repo.IncrementImpressions(ctx, s.db, id)
}

func (s *Service) RecordClick(ctx context.Context, id int64) error {
	return s.repo.IncrementClicks(ctx, s.db, id)
}

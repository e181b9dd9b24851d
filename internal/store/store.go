// Package store is the persistence layer: a GORM-backed data layer over
// SQLite (the default local database) or a MySQL DATABASE_URL.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/smturtle2/easierlit-sub000/internal/models"
)

// ErrNotFound reports a lookup miss for operations that require the row.
var ErrNotFound = errors.New("store: record not found")

// ListThreadsOpts narrows and pages ListThreads.
type ListThreadsOpts struct {
	UserID         string
	UserIdentifier string
	Search         string
	Limit          int
	Offset         int
}

// ThreadPatch is a partial thread write. Nil pointer fields are left
// untouched on an existing row.
type ThreadPatch struct {
	ID             string
	Name           *string
	UserID         *string
	UserIdentifier *string
	Metadata       map[string]any
	Tags           []string
}

// Store is the narrow persistence contract the runtime depends on.
type Store interface {
	GetUser(ctx context.Context, identifier string) (*models.User, error)
	CreateUser(ctx context.Context, user *models.User) error

	GetThread(ctx context.Context, id string) (*models.Thread, error)
	ListThreads(ctx context.Context, opts ListThreadsOpts) ([]models.Thread, error)
	ListThreadIDs(ctx context.Context) ([]string, error)
	UpsertThread(ctx context.Context, patch ThreadPatch) (*models.Thread, error)
	DeleteThread(ctx context.Context, id string) error

	CreateStep(ctx context.Context, step *models.Step) error
	GetStep(ctx context.Context, id string) (*models.Step, error)
	UpdateStep(ctx context.Context, step *models.Step) error
	DeleteStep(ctx context.Context, id string) error

	UpsertElement(ctx context.Context, el *models.Element) error
	ElementsForStep(ctx context.Context, stepID string) ([]models.Element, error)
	DeleteElement(ctx context.Context, id string) error

	UpsertFeedback(ctx context.Context, fb *models.Feedback) error
	DeleteFeedback(ctx context.Context, id string) error

	IsSQLite() bool
	Close() error
}

type gormStore struct {
	db     *gorm.DB
	sqlite bool
}

// NewWithDB wraps an already-open GORM handle; used by tests and by the
// Open helpers.
func NewWithDB(db *gorm.DB, sqlite bool) Store {
	return &gormStore{db: db, sqlite: sqlite}
}

func (s *gormStore) IsSQLite() bool { return s.sqlite }

func (s *gormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("store: close: %w", err)
	}
	return sqlDB.Close()
}

func (s *gormStore) GetUser(ctx context.Context, identifier string) (*models.User, error) {
	var user models.User
	err := s.db.WithContext(ctx).Where("identifier = ?", identifier).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get user %q: %w", identifier, err)
	}
	return &user, nil
}

func (s *gormStore) CreateUser(ctx context.Context, user *models.User) error {
	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	if user.Metadata == nil {
		user.Metadata = map[string]any{}
	}
	if err := s.db.WithContext(ctx).Create(user).Error; err != nil {
		return fmt.Errorf("store: create user %q: %w", user.Identifier, err)
	}
	return nil
}

func (s *gormStore) GetThread(ctx context.Context, id string) (*models.Thread, error) {
	var thread models.Thread
	err := s.db.WithContext(ctx).
		Preload("Steps", func(db *gorm.DB) *gorm.DB { return db.Order("createdAt ASC") }).
		Preload("Elements").
		First(&thread, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get thread %q: %w", id, err)
	}
	return &thread, nil
}

func (s *gormStore) ListThreads(ctx context.Context, opts ListThreadsOpts) ([]models.Thread, error) {
	q := s.db.WithContext(ctx).Model(&models.Thread{}).Order("createdAt DESC")
	if opts.UserID != "" {
		q = q.Where("userId = ?", opts.UserID)
	}
	if opts.UserIdentifier != "" {
		q = q.Where("userIdentifier = ?", opts.UserIdentifier)
	}
	if opts.Search != "" {
		q = q.Where("name LIKE ?", "%"+opts.Search+"%")
	}
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}
	var threads []models.Thread
	if err := q.Find(&threads).Error; err != nil {
		return nil, fmt.Errorf("store: list threads: %w", err)
	}
	return threads, nil
}

// ListThreadIDs is the cheap id-only scan used by startup reconciliation.
func (s *gormStore) ListThreadIDs(ctx context.Context) ([]string, error) {
	var ids []string
	if err := s.db.WithContext(ctx).Raw("SELECT id FROM threads").Scan(&ids).Error; err != nil {
		return nil, fmt.Errorf("store: list thread ids: %w", err)
	}
	return ids, nil
}

func (s *gormStore) UpsertThread(ctx context.Context, patch ThreadPatch) (*models.Thread, error) {
	if patch.ID == "" {
		return nil, fmt.Errorf("store: upsert thread: id is required")
	}
	var thread models.Thread
	err := s.db.WithContext(ctx).First(&thread, "id = ?", patch.ID).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		thread = models.Thread{ID: patch.ID, CreatedAt: time.Now().UTC()}
	case err != nil:
		return nil, fmt.Errorf("store: upsert thread %q: %w", patch.ID, err)
	}
	if patch.Name != nil {
		thread.Name = *patch.Name
	}
	if patch.UserID != nil {
		thread.UserID = patch.UserID
	}
	if patch.UserIdentifier != nil {
		thread.UserIdentifier = *patch.UserIdentifier
	}
	if patch.Metadata != nil {
		merged := map[string]any{}
		for k, v := range thread.Metadata {
			merged[k] = v
		}
		for k, v := range patch.Metadata {
			merged[k] = v
		}
		thread.Metadata = merged
	}
	if patch.Tags != nil {
		thread.Tags = patch.Tags
	}
	if err := s.db.WithContext(ctx).Save(&thread).Error; err != nil {
		return nil, fmt.Errorf("store: upsert thread %q: %w", patch.ID, err)
	}
	return &thread, nil
}

func (s *gormStore) DeleteThread(ctx context.Context, id string) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("threadId = ?", id).Delete(&models.Feedback{}).Error; err != nil {
			return err
		}
		if err := tx.Where("threadId = ?", id).Delete(&models.Element{}).Error; err != nil {
			return err
		}
		if err := tx.Where("threadId = ?", id).Delete(&models.Step{}).Error; err != nil {
			return err
		}
		return tx.Delete(&models.Thread{}, "id = ?", id).Error
	})
	if err != nil {
		return fmt.Errorf("store: delete thread %q: %w", id, err)
	}
	return nil
}

func (s *gormStore) CreateStep(ctx context.Context, step *models.Step) error {
	if step.ID == "" {
		step.ID = uuid.NewString()
	}
	if step.CreatedAt.IsZero() {
		step.CreatedAt = time.Now().UTC()
	}
	if err := s.db.WithContext(ctx).Create(step).Error; err != nil {
		return fmt.Errorf("store: create step %q: %w", step.ID, err)
	}
	return nil
}

func (s *gormStore) GetStep(ctx context.Context, id string) (*models.Step, error) {
	var step models.Step
	err := s.db.WithContext(ctx).First(&step, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get step %q: %w", id, err)
	}
	return &step, nil
}

func (s *gormStore) UpdateStep(ctx context.Context, step *models.Step) error {
	res := s.db.WithContext(ctx).Save(step)
	if res.Error != nil {
		return fmt.Errorf("store: update step %q: %w", step.ID, res.Error)
	}
	return nil
}

func (s *gormStore) DeleteStep(ctx context.Context, id string) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("forId = ?", id).Delete(&models.Feedback{}).Error; err != nil {
			return err
		}
		if err := tx.Where("forId = ?", id).Delete(&models.Element{}).Error; err != nil {
			return err
		}
		return tx.Delete(&models.Step{}, "id = ?", id).Error
	})
	if err != nil {
		return fmt.Errorf("store: delete step %q: %w", id, err)
	}
	return nil
}

func (s *gormStore) UpsertElement(ctx context.Context, el *models.Element) error {
	if el.ID == "" {
		el.ID = uuid.NewString()
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		UpdateAll: true,
	}).Create(el).Error
	if err != nil {
		return fmt.Errorf("store: upsert element %q: %w", el.ID, err)
	}
	return nil
}

func (s *gormStore) ElementsForStep(ctx context.Context, stepID string) ([]models.Element, error) {
	var els []models.Element
	if err := s.db.WithContext(ctx).Where("forId = ?", stepID).Find(&els).Error; err != nil {
		return nil, fmt.Errorf("store: elements for step %q: %w", stepID, err)
	}
	return els, nil
}

func (s *gormStore) DeleteElement(ctx context.Context, id string) error {
	if err := s.db.WithContext(ctx).Delete(&models.Element{}, "id = ?", id).Error; err != nil {
		return fmt.Errorf("store: delete element %q: %w", id, err)
	}
	return nil
}

func (s *gormStore) UpsertFeedback(ctx context.Context, fb *models.Feedback) error {
	if fb.ID == "" {
		fb.ID = uuid.NewString()
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		UpdateAll: true,
	}).Create(fb).Error
	if err != nil {
		return fmt.Errorf("store: upsert feedback %q: %w", fb.ID, err)
	}
	return nil
}

func (s *gormStore) DeleteFeedback(ctx context.Context, id string) error {
	if err := s.db.WithContext(ctx).Delete(&models.Feedback{}, "id = ?", id).Error; err != nil {
		return fmt.Errorf("store: delete feedback %q: %w", id, err)
	}
	return nil
}

// isSQLiteDialect reports whether a GORM dialector name is a SQLite
// family backend.
func isSQLiteDialect(name string) bool {
	return strings.Contains(strings.ToLower(name), "sqlite")
}

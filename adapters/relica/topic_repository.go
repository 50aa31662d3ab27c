//nolint:dupl // Repository pattern requires similar implementations for different types
package relica

import (
	"context"
	"database/sql"
	"errors"

	"github.com/coregx/cns"
	"github.com/coregx/cns/model"
	"github.com/coregx/relica"
)

// TopicRepository implements cns.TopicRepository using Relica.
type TopicRepository struct {
	db          *relica.DB
	tablePrefix string
}

// NewTopicRepository creates a new TopicRepository with default table prefix.
func NewTopicRepository(sqlDB *sql.DB, driverName string) *TopicRepository {
	return NewTopicRepositoryWithPrefix(sqlDB, driverName, DefaultTablePrefix)
}

// NewTopicRepositoryWithPrefix creates a new TopicRepository with custom table prefix.
func NewTopicRepositoryWithPrefix(sqlDB *sql.DB, driverName, prefix string) *TopicRepository {
	return &TopicRepository{db: relica.WrapDB(sqlDB, driverName), tablePrefix: prefix}
}

func (r *TopicRepository) tableName() string {
	return r.tablePrefix + "topic"
}

// Load retrieves a topic by ARN.
func (r *TopicRepository) Load(ctx context.Context, arn string) (model.Topic, error) {
	var topic model.Topic
	err := r.db.WithContext(ctx).Select("*").From(r.tableName()).Where("arn = ?", arn).One(&topic)
	if errors.Is(err, sql.ErrNoRows) {
		return topic, cns.ErrNoData
	}
	if err != nil {
		return topic, cns.NewErrorWithCause(cns.ErrCodeDatabase, "failed to load topic", err)
	}
	return topic, nil
}

// Save creates or updates a topic. Creating a topic whose ARN is taken is
// a validation error.
func (r *TopicRepository) Save(ctx context.Context, m model.Topic) (model.Topic, error) {
	if m.ID == 0 {
		if _, err := r.Load(ctx, m.Arn); err == nil {
			return m, cns.NewError(cns.ErrCodeValidation, "topic already exists: "+m.Arn)
		} else if !cns.IsNoData(err) {
			return m, err
		}

		if err := r.db.WithContext(ctx).Model(&m).Table(r.tableName()).Insert(); err != nil {
			return m, cns.NewErrorWithCause(cns.ErrCodeDatabase, "failed to insert topic", err)
		}
		// Reload to pick up the generated ID on drivers without RETURNING.
		return r.Load(ctx, m.Arn)
	}

	if _, err := r.Load(ctx, m.Arn); err != nil {
		return m, err
	}
	if err := r.db.WithContext(ctx).Model(&m).Table(r.tableName()).Update(); err != nil {
		return m, cns.NewErrorWithCause(cns.ErrCodeDatabase, "failed to update topic", err)
	}
	return m, nil
}

// Delete removes a topic.
func (r *TopicRepository) Delete(ctx context.Context, m model.Topic) error {
	existing, err := r.Load(ctx, m.Arn)
	if err != nil {
		return err
	}
	if err := r.db.WithContext(ctx).Model(&existing).Table(r.tableName()).Delete(); err != nil {
		return cns.NewErrorWithCause(cns.ErrCodeDatabase, "failed to delete topic", err)
	}
	return nil
}

// List returns the topics owned by userID, or every topic when userID is
// empty, ordered by ID.
func (r *TopicRepository) List(ctx context.Context, userID string) ([]model.Topic, error) {
	var topics []model.Topic
	q := r.db.WithContext(ctx).Select("*").From(r.tableName())
	if userID != "" {
		q = q.Where("user_id = ?", userID)
	}
	if err := q.OrderBy("id ASC").All(&topics); err != nil {
		return nil, cns.NewErrorWithCause(cns.ErrCodeDatabase, "failed to list topics", err)
	}
	if len(topics) == 0 {
		return nil, cns.ErrNoData
	}
	return topics, nil
}

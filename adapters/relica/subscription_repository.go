package relica

import (
	"context"
	"database/sql"
	"errors"
	"strconv"

	"github.com/coregx/cns"
	"github.com/coregx/cns/model"
	"github.com/coregx/relica"
)

// SubscriptionRepository implements cns.SubscriptionRepository using Relica.
type SubscriptionRepository struct {
	db          *relica.DB
	tablePrefix string
}

// NewSubscriptionRepository creates a new SubscriptionRepository with default table prefix.
func NewSubscriptionRepository(sqlDB *sql.DB, driverName string) *SubscriptionRepository {
	return NewSubscriptionRepositoryWithPrefix(sqlDB, driverName, DefaultTablePrefix)
}

// NewSubscriptionRepositoryWithPrefix creates a new SubscriptionRepository with custom table prefix.
func NewSubscriptionRepositoryWithPrefix(sqlDB *sql.DB, driverName, prefix string) *SubscriptionRepository {
	return &SubscriptionRepository{db: relica.WrapDB(sqlDB, driverName), tablePrefix: prefix}
}

func (r *SubscriptionRepository) tableName() string {
	return r.tablePrefix + "subscription"
}

// Load retrieves a subscription by ARN.
func (r *SubscriptionRepository) Load(ctx context.Context, arn string) (model.Subscription, error) {
	var sub model.Subscription
	err := r.db.WithContext(ctx).Select("*").From(r.tableName()).Where("arn = ?", arn).One(&sub)
	if errors.Is(err, sql.ErrNoRows) {
		return sub, cns.ErrNoData
	}
	if err != nil {
		return sub, cns.NewErrorWithCause(cns.ErrCodeDatabase, "failed to load subscription", err)
	}
	return sub, nil
}

// Save creates or updates a subscription.
func (r *SubscriptionRepository) Save(ctx context.Context, m model.Subscription) (model.Subscription, error) {
	if m.ID == 0 {
		if _, err := r.Load(ctx, m.Arn); err == nil {
			return m, cns.NewError(cns.ErrCodeValidation, "subscription already exists: "+m.Arn)
		} else if !cns.IsNoData(err) {
			return m, err
		}

		if err := r.db.WithContext(ctx).Model(&m).Table(r.tableName()).Insert(); err != nil {
			return m, cns.NewErrorWithCause(cns.ErrCodeDatabase, "failed to insert subscription", err)
		}
		return r.Load(ctx, m.Arn)
	}

	if _, err := r.Load(ctx, m.Arn); err != nil {
		return m, err
	}
	if err := r.db.WithContext(ctx).Model(&m).Table(r.tableName()).Update(); err != nil {
		return m, cns.NewErrorWithCause(cns.ErrCodeDatabase, "failed to update subscription", err)
	}
	return m, nil
}

// Delete removes a subscription.
func (r *SubscriptionRepository) Delete(ctx context.Context, m model.Subscription) error {
	existing, err := r.Load(ctx, m.Arn)
	if err != nil {
		return err
	}
	if err := r.db.WithContext(ctx).Model(&existing).Table(r.tableName()).Delete(); err != nil {
		return cns.NewErrorWithCause(cns.ErrCodeDatabase, "failed to delete subscription", err)
	}
	return nil
}

// ListSubscriptionsByTopic implements cns.SubscriptionLister with keyset
// pagination on the subscription ID. The page token is the last ID of the
// previous page.
func (r *SubscriptionRepository) ListSubscriptionsByTopic(ctx context.Context, topicArn, protocol, pageToken string, pageSize int) ([]model.Subscription, string, error) {
	after, err := ParsePageToken(pageToken)
	if err != nil {
		return nil, "", err
	}
	if pageSize <= 0 {
		return nil, "", cns.NewError(cns.ErrCodeValidation, "page size must be > 0")
	}

	var subs []model.Subscription
	q := r.db.WithContext(ctx).Select("*").From(r.tableName()).
		Where("topic_arn = ?", topicArn).
		Where("id > ?", after)
	if protocol != "" {
		q = q.Where("protocol = ?", protocol)
	}
	// One extra row tells whether another page follows.
	err = q.OrderBy("id ASC").Limit(int64(pageSize + 1)).All(&subs)
	if err != nil {
		return nil, "", cns.NewErrorWithCause(cns.ErrCodeDatabase, "failed to list subscriptions", err)
	}

	if len(subs) <= pageSize {
		return subs, "", nil
	}
	page := subs[:pageSize:pageSize]
	return page, strconv.FormatInt(page[len(page)-1].ID, 10), nil
}

// ParsePageToken decodes a subscription page token. The empty token
// starts at the first page.
func ParsePageToken(token string) (int64, error) {
	if token == "" {
		return 0, nil
	}
	id, err := strconv.ParseInt(token, 10, 64)
	if err != nil || id < 0 {
		return 0, cns.NewError(cns.ErrCodeValidation, "invalid page token: "+token)
	}
	return id, nil
}

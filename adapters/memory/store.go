package memory

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/coregx/cns"
	"github.com/coregx/cns/model"
)

// TopicRepository is an in-memory cns.TopicRepository.
type TopicRepository struct {
	mu     sync.RWMutex
	nextID int64
	byArn  map[string]model.Topic
}

// NewTopicRepository creates an empty TopicRepository.
func NewTopicRepository() *TopicRepository {
	return &TopicRepository{byArn: make(map[string]model.Topic)}
}

// Load implements cns.TopicRepository.
func (r *TopicRepository) Load(_ context.Context, arn string) (model.Topic, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.byArn[arn]
	if !ok {
		return model.Topic{}, cns.ErrNoData
	}
	return t, nil
}

// Save implements cns.TopicRepository.
func (r *TopicRepository) Save(_ context.Context, m model.Topic) (model.Topic, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if m.ID == 0 {
		if _, exists := r.byArn[m.Arn]; exists {
			return m, cns.NewError(cns.ErrCodeValidation, "topic already exists: "+m.Arn)
		}
		r.nextID++
		m.ID = r.nextID
		if m.CreatedAt.IsZero() {
			m.CreatedAt = time.Now().UTC()
		}
	} else if _, exists := r.byArn[m.Arn]; !exists {
		return m, cns.ErrNoData
	}
	r.byArn[m.Arn] = m
	return m, nil
}

// Delete implements cns.TopicRepository.
func (r *TopicRepository) Delete(_ context.Context, m model.Topic) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byArn[m.Arn]; !ok {
		return cns.ErrNoData
	}
	delete(r.byArn, m.Arn)
	return nil
}

// List implements cns.TopicRepository.
func (r *TopicRepository) List(_ context.Context, userID string) ([]model.Topic, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []model.Topic
	for _, t := range r.byArn {
		if userID == "" || t.UserID == userID {
			out = append(out, t)
		}
	}
	if len(out) == 0 {
		return nil, cns.ErrNoData
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// SubscriptionRepository is an in-memory cns.SubscriptionRepository.
// Listing pages are keyed by subscription ID, like the SQL repository.
type SubscriptionRepository struct {
	mu     sync.RWMutex
	nextID int64
	byArn  map[string]model.Subscription
}

// NewSubscriptionRepository creates an empty SubscriptionRepository.
func NewSubscriptionRepository() *SubscriptionRepository {
	return &SubscriptionRepository{byArn: make(map[string]model.Subscription)}
}

// Load implements cns.SubscriptionRepository.
func (r *SubscriptionRepository) Load(_ context.Context, arn string) (model.Subscription, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.byArn[arn]
	if !ok {
		return model.Subscription{}, cns.ErrNoData
	}
	return s, nil
}

// Save implements cns.SubscriptionRepository.
func (r *SubscriptionRepository) Save(_ context.Context, m model.Subscription) (model.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if m.ID == 0 {
		if _, exists := r.byArn[m.Arn]; exists {
			return m, cns.NewError(cns.ErrCodeValidation, "subscription already exists: "+m.Arn)
		}
		r.nextID++
		m.ID = r.nextID
		if m.CreatedAt.IsZero() {
			m.CreatedAt = time.Now().UTC()
		}
	} else if _, exists := r.byArn[m.Arn]; !exists {
		return m, cns.ErrNoData
	}
	r.byArn[m.Arn] = m
	return m, nil
}

// Delete implements cns.SubscriptionRepository.
func (r *SubscriptionRepository) Delete(_ context.Context, m model.Subscription) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byArn[m.Arn]; !ok {
		return cns.ErrNoData
	}
	delete(r.byArn, m.Arn)
	return nil
}

// ListSubscriptionsByTopic implements cns.SubscriptionLister.
func (r *SubscriptionRepository) ListSubscriptionsByTopic(_ context.Context, topicArn, protocol, pageToken string, pageSize int) ([]model.Subscription, string, error) {
	after, err := parsePageToken(pageToken)
	if err != nil {
		return nil, "", err
	}
	if pageSize <= 0 {
		return nil, "", cns.NewError(cns.ErrCodeValidation, "page size must be > 0")
	}

	r.mu.RLock()
	var matching []model.Subscription
	for _, s := range r.byArn {
		if s.TopicArn != topicArn || s.ID <= after {
			continue
		}
		if protocol != "" && string(s.Protocol) != protocol {
			continue
		}
		matching = append(matching, s)
	}
	r.mu.RUnlock()

	sort.Slice(matching, func(i, j int) bool { return matching[i].ID < matching[j].ID })

	if len(matching) <= pageSize {
		return matching, "", nil
	}
	page := matching[:pageSize:pageSize]
	return page, strconv.FormatInt(page[len(page)-1].ID, 10), nil
}

func parsePageToken(token string) (int64, error) {
	if token == "" {
		return 0, nil
	}
	id, err := strconv.ParseInt(token, 10, 64)
	if err != nil || id < 0 {
		return 0, cns.NewError(cns.ErrCodeValidation, "invalid page token: "+token)
	}
	return id, nil
}

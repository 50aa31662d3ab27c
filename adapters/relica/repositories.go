package relica

import (
	"database/sql"

	"github.com/coregx/cns"
)

// DefaultTablePrefix is prepended to every table name.
const DefaultTablePrefix = "cns_"

// Repositories holds all repository implementations.
type Repositories struct {
	Topic        *TopicRepository
	Subscription *SubscriptionRepository
}

var (
	_ cns.TopicRepository        = (*TopicRepository)(nil)
	_ cns.SubscriptionRepository = (*SubscriptionRepository)(nil)
)

// NewRepositories creates all repository implementations using Relica.
//
// The db parameter should be an *sql.DB connected to MySQL, PostgreSQL, or SQLite.
// The driverName should be "mysql", "postgres", or "sqlite3".
func NewRepositories(db *sql.DB, driverName string) *Repositories {
	return NewRepositoriesWithPrefix(db, driverName, DefaultTablePrefix)
}

// NewRepositoriesWithPrefix creates all repository implementations with a custom table prefix.
func NewRepositoriesWithPrefix(db *sql.DB, driverName, prefix string) *Repositories {
	return &Repositories{
		Topic:        NewTopicRepositoryWithPrefix(db, driverName, prefix),
		Subscription: NewSubscriptionRepositoryWithPrefix(db, driverName, prefix),
	}
}

// PolicyStore returns a delivery policy store reading from these repositories.
func (r *Repositories) PolicyStore() *cns.RepositoryPolicyStore {
	return cns.NewRepositoryPolicyStore(r.Topic, r.Subscription)
}

// Package relica provides SQL implementations of the cns topic and
// subscription repositories using the Relica query builder.
//
// Relica (github.com/coregx/relica) wraps a database/sql connection and
// works with MySQL, PostgreSQL and SQLite. The tables are created by the
// migrations in github.com/coregx/cns/migrations.
//
// Example usage:
//
//	db, err := sql.Open("mysql", "user:pass@tcp(localhost:3306)/cns?parseTime=true")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	repos := relica.NewRepositories(db, "mysql")
//
//	producer, err := cns.NewProducer(
//	    cns.WithProducerQueues(publishQueue, endpointQueues...),
//	    cns.WithSubscriptionLister(repos.Subscription),
//	    cns.WithProducerLogger(logger),
//	)
package relica

// Package model contains the domain types of the notification service: messages,
// topics, subscriptions, the jobs that carry them between queues, and the
// notification envelope delivered to endpoints.
package model

const tablePrefix = "cns_"

// Package storage persists subscriptions and reminder records.
//
// Every driver implements the same compare-and-set rules for reminder
// records: a claim only wins over a missing record or a pending record with
// a lapsed lease, and a sent record is never overwritten. Those two rules
// are what keep a billing instance from being reminded twice across passes,
// restarts and concurrent processes.
package storage

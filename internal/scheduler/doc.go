// Package scheduler runs reminder passes.
//
// A pass loads subscriptions whose billing date is before the end of the
// due window, rolls stale dates forward (persisting them), selects the due
// set and dispatches each reminder through the deduplicator:
//
//	ShouldSend -> Claim -> Send -> MarkSent | MarkFailed | Release
//
// Passes are started by a daily cron trigger in the configured timezone or
// by RunPass (CLI, admin API). Only one pass runs at a time; concurrent
// triggers return ErrPassInProgress. Storage unavailability stops the pass,
// every other failure is confined to its subscription.
package scheduler

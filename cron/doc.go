// Package cron declares recurring schedules in code.
//
// A [Definition] pairs a cron expression with the job kind it spawns
// and a static payload, typed the same way job definitions are. Pass it
// to engine.RegisterCron at startup:
//
//	engine.RegisterCron(ctx, eng, &cron.Definition[ScanInput]{
//	    Name:     "nightly-library-scan",
//	    Schedule: "0 3 * * *",
//	    Kind:     "library.scan",
//	    Payload:  ScanInput{Depth: "full"},
//	})
//
// Registration is idempotent: if a schedule with the same name already
// exists it is left untouched, so restarting a process does not clobber
// changes operators made through the admin API.
//
// The scheduler's recurring loop does the firing. It evaluates due
// schedules on every tick, takes a store-level TTL lock per schedule so
// a fire happens on exactly one node, spawns the job with a due-time
// idempotency key, and advances NextRunAt. Schedules created here are
// the same records the admin API manages, so they can be listed,
// disabled, and removed at runtime (POST /v1/recurring/{name}/disable
// and friends).
package cron

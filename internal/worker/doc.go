// Package worker hosts the long-running loops that drive the autopilot:
// queue promotion, publish draining, webhook reconciliation, budget
// optimization and the master-control supervisor.
//
// Every loop follows the same shape: a ticker drives one tick function,
// the tick writes a heartbeat, and context cancellation is the only stop
// signal. Loops never share state except through Postgres and Redis, so
// any one of them can be run in isolation with `cmd/worker -run-once`.
package worker

// Package scheduler provides schedule registration and trigger calculation
// (cron and fixed intervals).
//
// Execution is delegated to internal/task/engine. The scheduler is
// responsible only for:
//   - registering schedules
//   - computing next trigger times
//   - enqueueing tasks into the task engine
package scheduler

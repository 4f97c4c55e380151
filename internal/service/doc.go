// Package service runs and supervises gh-repo-stats processes.
//
// The Supervisor owns one Runner per running job. A Runner spawns the
// scanner in its own process group and drains stdout and stderr
// concurrently from the moment of spawn:
//
//	Supervisor.Start          Runner                    registry
//	      |  Start(cmd) ------->| exec + errgroup           |
//	      |                     |-- stdout -> output.csv    |
//	      |                     |-- stderr -> onLine ------>| Update(progress, log)
//	      |  supervise <--------| Exited                    |
//	      |  evaluate + report.ParseFile ------------------>| Update(terminal)
//
// Cancel marks the job cancelled and walks the Ladder: terminate, wait,
// kill, wait. A process that outlives both waits fails the job with
// model.ErrTerminationTimeout.
//
// Retention evicts finished jobs from the registry on a gocron schedule.
package service

package worker

import "time"

// Config sets how often each job runs; a zero interval disables the job.
type Config struct {
	MaintainInterval time.Duration
	SweepInterval    time.Duration
}

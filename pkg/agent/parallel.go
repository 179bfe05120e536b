// SPDX-License-Identifier: Apache-2.0
package agent

import (
	"context"
	"fmt"
	"sync"

	"github.com/panjf2000/ants/v2"
)

// Job is one prompt for one agent.
type Job struct {
	Agent  *Agent
	Prompt string
}

// JobResult is the outcome of a Job. Exactly one of Result and Err is set.
type JobResult struct {
	Job    Job
	Result *Result
	Err    error
}

// RunParallel runs jobs on a pool of at most size workers and returns their
// outcomes in job order. Jobs sharing an Agent are not queued: a job that
// starts while another one holds its Agent fails with ErrBusy.
func RunParallel(ctx context.Context, jobs []Job, size int) ([]JobResult, error) {
	if size < 1 {
		size = 1
	}
	results := make([]JobResult, len(jobs))
	if len(jobs) == 0 {
		return results, nil
	}

	pool, err := ants.NewPool(size)
	if err != nil {
		return nil, fmt.Errorf("failed to create agent worker pool: %w", err)
	}
	defer pool.Release()

	var wg sync.WaitGroup
	for i, job := range jobs {
		results[i].Job = job
		if job.Agent == nil {
			results[i].Err = NewInvalidInputError(fmt.Sprintf("job %d has no agent", i))
			continue
		}
		wg.Add(1)
		err := pool.Submit(func() {
			defer wg.Done()
			results[i].Result, results[i].Err = job.Agent.Act(ctx, job.Prompt)
		})
		if err != nil {
			wg.Done()
			results[i].Err = fmt.Errorf("failed to submit job %d: %w", i, err)
		}
	}
	wg.Wait()
	return results, ctx.Err()
}

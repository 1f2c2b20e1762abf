package cron

import "context"

// Job is one unit of periodic work run by the cron worker.
type Job interface {
	Name() string
	Run(ctx context.Context) error
}

// Registry keeps jobs in registration order, one per name. Registering a
// name again swaps the job in place.
type Registry struct {
	order  []string
	byName map[string]Job
}

func NewRegistry(jobs ...Job) *Registry {
	r := &Registry{byName: make(map[string]Job, len(jobs))}
	for _, job := range jobs {
		r.Register(job)
	}
	return r
}

// Register ignores nil jobs.
func (r *Registry) Register(job Job) {
	if job == nil {
		return
	}
	name := job.Name()
	if _, seen := r.byName[name]; !seen {
		r.order = append(r.order, name)
	}
	r.byName[name] = job
}

// Jobs returns a fresh slice the caller may modify.
func (r *Registry) Jobs() []Job {
	out := make([]Job, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.byName[name])
	}
	return out
}

// Names lists registered job names in run order.
func (r *Registry) Names() []string {
	return append([]string(nil), r.order...)
}

package contextkey

import "context"

// key is a private type to avoid context key collisions across packages.
type key string

const (
	WorkerID     key = "worker_id"
	TaskID       key = "task_id"
	SubmissionID key = "submission_id"
	MatchID      key = "match_id"
)

// With returns a copy of ctx carrying value under k.
func With(ctx context.Context, k key, value interface{}) context.Context {
	return context.WithValue(ctx, k, value)
}

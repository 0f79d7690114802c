// Package syncstate persists the outcome of synchronization runs per tenant.
package syncstate

import (
	"sort"
	"time"
)

// Status is the lifecycle of a run.
type Status string

const (
	StatusUndone    Status = "Undone"
	StatusRunning   Status = "Running"
	StatusDone      Status = "Done"
	StatusError     Status = "Error"
	StatusCancelled Status = "Cancelled"
)

// State is the persisted outcome of the last run for one tenant.
type State struct {
	Status             Status     `json:"status"`
	LastSuccessfulDate *time.Time `json:"lastSuccessfulDate"`
	FailedUsers        []string   `json:"failedUsers"`
}

// Default is the state reported before any run has completed.
func Default() State {
	return State{Status: StatusUndone, FailedUsers: []string{}}
}

// Distinct returns emails with duplicates removed, sorted for stable output.
func Distinct(emails []string) []string {
	seen := make(map[string]struct{}, len(emails))
	out := make([]string, 0, len(emails))
	for _, e := range emails {
		if _, ok := seen[e]; ok {
			continue
		}
		seen[e] = struct{}{}
		out = append(out, e)
	}
	sort.Strings(out)
	return out
}

// Package health aggregates component health checks for the /health
// endpoint.
package health

import "context"

// Status represents the aggregated health status.
type Status string

const (
	// Healthy indicates all components are operational.
	Healthy Status = "ok"
	// Degraded indicates partial failure.
	Degraded Status = "degraded"
)

// CheckResult represents an individual component health check outcome.
type CheckResult string

const (
	// CheckOK indicates a passing health check.
	CheckOK CheckResult = "ok"
	// CheckError indicates a failing health check.
	CheckError CheckResult = "error"
)

// Report aggregates health check results.
type Report struct {
	Status Status                 `json:"status"`
	Checks map[string]CheckResult `json:"checks"`
}

// Service coordinates health checks.
type Service struct {
	engine EnginePinger
	queues map[string]QueueChecker
}

// New creates a Service. queues can be empty.
func New(engine EnginePinger, queues map[string]QueueChecker) *Service {
	return &Service{engine: engine, queues: queues}
}

// Check runs health checks against all components.
func (s *Service) Check(ctx context.Context) Report {
	checks := make(map[string]CheckResult)

	if err := s.engine.Ping(ctx); err != nil {
		checks["search_engine"] = CheckError
	} else {
		checks["search_engine"] = CheckOK
	}

	for name, q := range s.queues {
		if _, err := q.Len(ctx); err != nil {
			checks["queue_"+name] = CheckError
		} else {
			checks["queue_"+name] = CheckOK
		}
	}

	status := Healthy
	for _, v := range checks {
		if v == CheckError {
			status = Degraded
			break
		}
	}

	return Report{Status: status, Checks: checks}
}

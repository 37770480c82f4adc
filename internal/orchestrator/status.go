package orchestrator

// Status classifies a batch: every item, some items or no item succeeded.
type Status string

const (
	StatusSuccess Status = "success"
	StatusPartial Status = "partial"
	StatusFailure Status = "failure"
)

// AggregateStatus classifies total items of which failed did not succeed.
// An empty batch is a success.
func AggregateStatus(total, failed int) Status {
	switch {
	case failed <= 0:
		return StatusSuccess
	case failed >= total:
		return StatusFailure
	default:
		return StatusPartial
	}
}

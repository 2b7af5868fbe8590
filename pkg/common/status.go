package common

// RestructureStatus is the enrichment state of a single document.
type RestructureStatus string

const (
	StatusPending           RestructureStatus = "pending"
	StatusProcessing        RestructureStatus = "processing"
	StatusSuccess           RestructureStatus = "success"
	StatusFailure           RestructureStatus = "failure"
	StatusEnriching         RestructureStatus = "enriching"
	StatusEnriched          RestructureStatus = "enriched"
	StatusEnrichmentFailure RestructureStatus = "enrichment_failure"
)

// AllStatuses lists every known status in lifecycle order.
var AllStatuses = []RestructureStatus{
	StatusPending,
	StatusProcessing,
	StatusSuccess,
	StatusFailure,
	StatusEnriching,
	StatusEnriched,
	StatusEnrichmentFailure,
}

// Valid reports whether s is one of the known statuses.
func (s RestructureStatus) Valid() bool {
	for _, known := range AllStatuses {
		if s == known {
			return true
		}
	}
	return false
}

func (s RestructureStatus) String() string {
	return string(s)
}

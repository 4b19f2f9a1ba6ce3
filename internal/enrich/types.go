package enrich

import "time"

// JobStatus represents the lifecycle state of an enrichment job.
type JobStatus string

// Job status values persisted in the store.
const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
)

// ItemStatus represents the lifecycle state of a single job item.
type ItemStatus string

// Item status values persisted in the store.
const (
	ItemStatusPending    ItemStatus = "pending"
	ItemStatusProcessing ItemStatus = "processing"
	ItemStatusRetrying   ItemStatus = "retrying"
	ItemStatusFailed     ItemStatus = "failed"
	ItemStatusCompleted  ItemStatus = "completed"
)

// Terminal reports whether no further processing will happen for the item.
func (s ItemStatus) Terminal() bool {
	return s == ItemStatusCompleted || s == ItemStatusFailed
}

// EnrichmentStatus records whether an enrichment attempt produced a classification.
type EnrichmentStatus string

// Enrichment status values.
const (
	EnrichmentCompleted EnrichmentStatus = "completed"
	EnrichmentFailed    EnrichmentStatus = "failed"
)

// ErrorClassification is the classification written when no industry could be determined.
const ErrorClassification = "ERROR"

// Job groups the items created by one submission.
type Job struct {
	ID             string     `json:"id"`
	Status         JobStatus  `json:"status"`
	TotalItems     int        `json:"total_items"`
	CompletedItems int        `json:"completed_items"`
	FailedItems    int        `json:"failed_items"`
	CreatedAt      time.Time  `json:"created_at"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
}

// Done reports whether every item of the job reached a terminal state.
func (j Job) Done() bool {
	return j.TotalItems > 0 && j.CompletedItems+j.FailedItems >= j.TotalItems
}

// JobItem is the unit of work: one contact within one job.
type JobItem struct {
	ID           string     `json:"id"`
	JobID        string     `json:"job_id"`
	ContactID    string     `json:"contact_id"`
	Status       ItemStatus `json:"status"`
	AttemptCount int        `json:"attempt_count"`
	NextRetryAt  *time.Time `json:"next_retry_at,omitempty"`
	LockedAt     *time.Time `json:"locked_at,omitempty"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

// Contact is the business record being enriched.
type Contact struct {
	ID             string `json:"contact_id"`
	Email          string `json:"email"`
	CompanyWebsite string `json:"company_website"`
	Industry       string `json:"industry,omitempty"`
	LeadListName   string `json:"lead_list_name,omitempty"`
}

// Enrichment is the stored classification outcome for a contact.
type Enrichment struct {
	ContactID      string           `json:"contact_id"`
	Domain         string           `json:"domain"`
	Status         EnrichmentStatus `json:"status"`
	Classification string           `json:"classification"`
	Confidence     int              `json:"confidence"`
	Reasoning      string           `json:"reasoning"`
	Cost           float64          `json:"cost"`
	ProcessedAt    time.Time        `json:"processed_at"`
	Content        string           `json:"content,omitempty"`
}

// ClaimedItem pairs a claimed job item with the contact it refers to.
type ClaimedItem struct {
	Item    JobItem
	Contact Contact
}

// CachedClassification is a prior high-confidence result reused for a domain.
type CachedClassification struct {
	Classification string
	Confidence     int
	Reasoning      string
}

// DomainContent is a stored page digest for a domain.
type DomainContent struct {
	Domain    string
	Digest    string
	FetchedAt time.Time
}

// ItemUpdate is the new state written for one processed item.
type ItemUpdate struct {
	ItemID       string
	JobID        string
	Status       ItemStatus
	AttemptCount int
	NextRetryAt  *time.Time
	FinishedAt   *time.Time
	ErrorMessage string
}

// ContactUpdate sets the industry of a contact.
type ContactUpdate struct {
	ContactID string
	Industry  string
}

// JobDelta holds counter increments for a job.
type JobDelta struct {
	JobID     string
	Completed int
	Failed    int
}

// ResultSet is the batched write set produced by one chunk.
type ResultSet struct {
	Items       []ItemUpdate
	Enrichments []Enrichment
	Contacts    []ContactUpdate
	Digests     []DomainContent
	Jobs        []JobDelta
}

// Empty reports whether the set carries no writes.
func (r ResultSet) Empty() bool {
	return len(r.Items) == 0 && len(r.Enrichments) == 0 && len(r.Contacts) == 0 &&
		len(r.Digests) == 0 && len(r.Jobs) == 0
}

// JobProgress is the post-update counter snapshot of a job touched by a chunk.
type JobProgress struct {
	JobID          string
	Status         JobStatus
	TotalItems     int
	CompletedItems int
	FailedItems    int
}

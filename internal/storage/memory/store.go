package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/lead-enricher/internal/enrich"
	"github.com/JakeFAU/lead-enricher/internal/store"
)

// Store is an in-memory enrich.Store and store.StatsRepository. All
// operations are serialized by a single mutex, which gives Claim and
// ApplyResults the same atomicity as their SQL counterparts.
type Store struct {
	mu          sync.Mutex
	jobs        map[string]*enrich.Job
	items       map[string]*enrich.JobItem
	itemOrder   []string
	contacts    map[string]enrich.Contact
	enrichments map[string]enrich.Enrichment
	content     map[string]enrich.DomainContent
	stats       map[statsKey]store.ProviderStats
	failures    map[string]error
}

type statsKey struct {
	provider string
	tier     int
	outcome  string
}

// NewStore returns an empty Store.
func NewStore() *Store {
	return &Store{
		jobs:        make(map[string]*enrich.Job),
		items:       make(map[string]*enrich.JobItem),
		contacts:    make(map[string]enrich.Contact),
		enrichments: make(map[string]enrich.Enrichment),
		content:     make(map[string]enrich.DomainContent),
		stats:       make(map[statsKey]store.ProviderStats),
		failures:    make(map[string]error),
	}
}

// FailOn makes the named operation (e.g. "Claim", "ApplyResults") return err
// until cleared with a nil err.
func (s *Store) FailOn(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.failures, op)
		return
	}
	s.failures[op] = err
}

func (s *Store) failure(op string) error {
	if err := s.failures[op]; err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// Ping reports the configured "Ping" failure, if any.
func (s *Store) Ping(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failure("Ping")
}

// PutContact inserts or replaces a contact.
func (s *Store) PutContact(c enrich.Contact) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.contacts[c.ID] = c
}

// Contact returns a contact by ID.
func (s *Store) Contact(id string) (enrich.Contact, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.contacts[id]
	return c, ok
}

// PutEnrichment inserts or replaces the enrichment of a contact.
func (s *Store) PutEnrichment(e enrich.Enrichment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enrichments[e.ContactID] = e
}

// Enrichment returns the enrichment of a contact.
func (s *Store) Enrichment(contactID string) (enrich.Enrichment, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.enrichments[contactID]
	return e, ok
}

// PutDomainContent stores a digest for a domain.
func (s *Store) PutDomainContent(dc enrich.DomainContent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.content[dc.Domain] = dc
}

// Item returns a job item by ID.
func (s *Store) Item(id string) (enrich.JobItem, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[id]
	if !ok {
		return enrich.JobItem{}, false
	}
	return *it, true
}

// SetItemStatus overwrites the status and lock of an item.
func (s *Store) SetItemStatus(id string, status enrich.ItemStatus, lockedAt *time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if it, ok := s.items[id]; ok {
		it.Status = status
		it.LockedAt = lockedAt
	}
}

// Items returns the items of a job in insertion order.
func (s *Store) Items(jobID string) []enrich.JobItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []enrich.JobItem
	for _, id := range s.itemOrder {
		if it := s.items[id]; it.JobID == jobID {
			out = append(out, *it)
		}
	}
	return out
}

// CreateJob implements enrich.JobStore.
func (s *Store) CreateJob(_ context.Context, job enrich.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("CreateJob"); err != nil {
		return err
	}
	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	j := job
	s.jobs[job.ID] = &j
	return nil
}

// InsertItems implements enrich.JobStore. Every referenced job and contact must exist.
func (s *Store) InsertItems(_ context.Context, items []enrich.JobItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("InsertItems"); err != nil {
		return err
	}
	for _, it := range items {
		if _, ok := s.jobs[it.JobID]; !ok {
			return fmt.Errorf("job %s: %w", it.JobID, enrich.ErrNotFound)
		}
		if _, ok := s.contacts[it.ContactID]; !ok {
			return fmt.Errorf("contact %s: %w", it.ContactID, enrich.ErrNotFound)
		}
	}
	for _, it := range items {
		item := it
		if item.Status == "" {
			item.Status = enrich.ItemStatusPending
		}
		s.items[item.ID] = &item
		s.itemOrder = append(s.itemOrder, item.ID)
	}
	return nil
}

// SetJobTotal implements enrich.JobStore.
func (s *Store) SetJobTotal(_ context.Context, jobID string, total int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return fmt.Errorf("job %s: %w", jobID, enrich.ErrNotFound)
	}
	job.TotalItems = total
	return nil
}

// GetJob implements enrich.JobStore.
func (s *Store) GetJob(_ context.Context, jobID string) (enrich.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return enrich.Job{}, fmt.Errorf("job %s: %w", jobID, enrich.ErrNotFound)
	}
	return *job, nil
}

// Claim implements enrich.ChunkStore.
func (s *Store) Claim(_ context.Context, limit int, now time.Time) ([]enrich.ClaimedItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("Claim"); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, nil
	}
	eligible := make([]*enrich.JobItem, 0)
	for _, id := range s.itemOrder {
		it := s.items[id]
		if it.Status != enrich.ItemStatusPending && it.Status != enrich.ItemStatusRetrying {
			continue
		}
		if it.NextRetryAt != nil && it.NextRetryAt.After(now) {
			continue
		}
		eligible = append(eligible, it)
	}
	sort.SliceStable(eligible, func(i, j int) bool {
		return eligible[i].CreatedAt.Before(eligible[j].CreatedAt)
	})
	if len(eligible) > limit {
		eligible = eligible[:limit]
	}

	out := make([]enrich.ClaimedItem, 0, len(eligible))
	for _, it := range eligible {
		locked := now
		it.Status = enrich.ItemStatusProcessing
		it.LockedAt = &locked
		if job := s.jobs[it.JobID]; job != nil && job.Status == enrich.JobStatusPending {
			started := now
			job.Status = enrich.JobStatusProcessing
			job.StartedAt = &started
		}
		out = append(out, enrich.ClaimedItem{Item: *it, Contact: s.contacts[it.ContactID]})
	}
	return out, nil
}

// LoadDomainCache implements enrich.ChunkStore. When several enrichments share
// a domain the most recently processed wins, then the most confident.
func (s *Store) LoadDomainCache(_ context.Context, domains []string, minConfidence int) (map[string]enrich.CachedClassification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("LoadDomainCache"); err != nil {
		return nil, err
	}
	want := toSet(domains)
	best := make(map[string]enrich.Enrichment)
	for _, e := range s.enrichments {
		if _, ok := want[e.Domain]; !ok {
			continue
		}
		if e.Status != enrich.EnrichmentCompleted || e.Confidence < minConfidence {
			continue
		}
		cur, ok := best[e.Domain]
		if !ok || e.ProcessedAt.After(cur.ProcessedAt) ||
			(e.ProcessedAt.Equal(cur.ProcessedAt) && e.Confidence > cur.Confidence) {
			best[e.Domain] = e
		}
	}
	out := make(map[string]enrich.CachedClassification, len(best))
	for domain, e := range best {
		out[domain] = enrich.CachedClassification{
			Classification: e.Classification,
			Confidence:     e.Confidence,
			Reasoning:      e.Reasoning,
		}
	}
	return out, nil
}

// LoadDigestCache implements enrich.ChunkStore.
func (s *Store) LoadDigestCache(_ context.Context, domains []string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("LoadDigestCache"); err != nil {
		return nil, err
	}
	out := make(map[string]string)
	for _, d := range domains {
		if dc, ok := s.content[d]; ok && dc.Digest != "" {
			out[d] = dc.Digest
		}
	}
	return out, nil
}

// ApplyResults implements enrich.ChunkStore. The whole set is applied under one lock.
func (s *Store) ApplyResults(_ context.Context, rs enrich.ResultSet, now time.Time) ([]enrich.JobProgress, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("ApplyResults"); err != nil {
		return nil, err
	}
	for _, u := range rs.Items {
		it, ok := s.items[u.ItemID]
		if !ok {
			continue
		}
		it.Status = u.Status
		it.AttemptCount = u.AttemptCount
		it.NextRetryAt = u.NextRetryAt
		it.FinishedAt = u.FinishedAt
		it.ErrorMessage = u.ErrorMessage
		it.LockedAt = nil
	}
	for _, e := range rs.Enrichments {
		s.enrichments[e.ContactID] = e
	}
	for _, c := range rs.Contacts {
		if contact, ok := s.contacts[c.ContactID]; ok {
			contact.Industry = c.Industry
			s.contacts[c.ContactID] = contact
		}
	}
	for _, dc := range rs.Digests {
		s.content[dc.Domain] = dc
	}
	progress := make([]enrich.JobProgress, 0, len(rs.Jobs))
	for _, d := range rs.Jobs {
		job, ok := s.jobs[d.JobID]
		if !ok {
			continue
		}
		job.CompletedItems += d.Completed
		job.FailedItems += d.Failed
		if job.Status != enrich.JobStatusCompleted && job.Done() {
			finished := now
			job.Status = enrich.JobStatusCompleted
			job.FinishedAt = &finished
		}
		progress = append(progress, enrich.JobProgress{
			JobID:          job.ID,
			Status:         job.Status,
			TotalItems:     job.TotalItems,
			CompletedItems: job.CompletedItems,
			FailedItems:    job.FailedItems,
		})
	}
	return progress, nil
}

// RecoverStale implements enrich.RecoveryStore.
func (s *Store) RecoverStale(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("RecoverStale"); err != nil {
		return 0, err
	}
	n := 0
	for _, it := range s.items {
		if it.Status == enrich.ItemStatusProcessing {
			it.Status = enrich.ItemStatusPending
			it.LockedAt = nil
			n++
		}
	}
	return n, nil
}

// HasActiveJobs implements enrich.RecoveryStore.
func (s *Store) HasActiveJobs(_ context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, job := range s.jobs {
		if job.Status == enrich.JobStatusPending || job.Status == enrich.JobStatusProcessing {
			return true, nil
		}
	}
	return false, nil
}

// UpsertProviderStats implements store.StatsRepository.
func (s *Store) UpsertProviderStats(_ context.Context, delta store.ProviderStats) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := statsKey{provider: delta.Provider, tier: delta.Tier, outcome: delta.Outcome}
	cur := s.stats[key]
	cur.Provider, cur.Tier, cur.Outcome = delta.Provider, delta.Tier, delta.Outcome
	cur.Attempts += delta.Attempts
	cur.BytesTotal += delta.BytesTotal
	cur.DurationMs += delta.DurationMs
	if delta.LastUpdate.After(cur.LastUpdate) {
		cur.LastUpdate = delta.LastUpdate
	}
	s.stats[key] = cur
	return nil
}

// ListProviderStats implements store.StatsRepository.
func (s *Store) ListProviderStats(_ context.Context) ([]store.ProviderStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]store.ProviderStats, 0, len(s.stats))
	for _, st := range s.stats {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Provider != out[j].Provider {
			return out[i].Provider < out[j].Provider
		}
		if out[i].Tier != out[j].Tier {
			return out[i].Tier < out[j].Tier
		}
		return out[i].Outcome < out[j].Outcome
	})
	return out, nil
}

func toSet(values []string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		set[v] = struct{}{}
	}
	return set
}

package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/lead-enricher/internal/enrich"
)

const claimSQL = `
WITH claimed AS (
	UPDATE job_items
	SET status = 'processing', locked_at = $2
	WHERE id IN (
		SELECT id FROM job_items
		WHERE status IN ('pending', 'retrying')
		  AND (next_retry_at IS NULL OR next_retry_at <= $2)
		ORDER BY created_at
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	)
	RETURNING id, job_id, contact_id, status, attempt_count, next_retry_at, locked_at, created_at
), started AS (
	UPDATE jobs
	SET status = 'processing', started_at = COALESCE(started_at, $2)
	WHERE status = 'pending' AND id IN (SELECT job_id FROM claimed)
)
SELECT c.id, c.job_id, c.contact_id, c.status, c.attempt_count, c.next_retry_at, c.locked_at, c.created_at,
	ct.email, COALESCE(ct.company_website, ''), COALESCE(ct.industry, ''), COALESCE(ct.lead_list_name, '')
FROM claimed c
JOIN contacts ct ON ct.id = c.contact_id
ORDER BY c.created_at`

const domainCacheSQL = `
SELECT DISTINCT ON (domain) domain, classification, confidence, COALESCE(reasoning, '')
FROM enrichments
WHERE domain = ANY($1) AND status = 'completed' AND confidence >= $2
ORDER BY domain, processed_at DESC, confidence DESC`

const digestCacheSQL = `
SELECT domain, digest FROM domain_content
WHERE domain = ANY($1) AND digest <> ''`

const updateItemsSQL = `
UPDATE job_items AS ji
SET status = u.status,
	attempt_count = u.attempt_count,
	next_retry_at = u.next_retry_at,
	finished_at = u.finished_at,
	error_message = u.error_message,
	locked_at = NULL
FROM unnest($1::text[], $2::text[], $3::int[], $4::timestamptz[], $5::timestamptz[], $6::text[])
	AS u(id, status, attempt_count, next_retry_at, finished_at, error_message)
WHERE ji.id = u.id`

const upsertEnrichmentsSQL = `
INSERT INTO enrichments (contact_id, domain, status, classification, confidence, reasoning, cost, processed_at, content)
SELECT * FROM unnest($1::text[], $2::text[], $3::text[], $4::text[], $5::int[], $6::text[], $7::float8[], $8::timestamptz[], $9::text[])
ON CONFLICT (contact_id) DO UPDATE SET
	domain = EXCLUDED.domain,
	status = EXCLUDED.status,
	classification = EXCLUDED.classification,
	confidence = EXCLUDED.confidence,
	reasoning = EXCLUDED.reasoning,
	cost = EXCLUDED.cost,
	processed_at = EXCLUDED.processed_at,
	content = EXCLUDED.content`

const updateContactsSQL = `
UPDATE contacts AS c
SET industry = u.industry
FROM unnest($1::text[], $2::text[]) AS u(id, industry)
WHERE c.id = u.id`

const upsertDigestsSQL = `
INSERT INTO domain_content (domain, digest, fetched_at)
SELECT * FROM unnest($1::text[], $2::text[], $3::timestamptz[])
ON CONFLICT (domain) DO UPDATE SET digest = EXCLUDED.digest, fetched_at = EXCLUDED.fetched_at`

const bumpJobSQL = `
UPDATE jobs
SET completed_items = completed_items + $2,
	failed_items = failed_items + $3,
	status = CASE
		WHEN total_items > 0 AND completed_items + failed_items + $2 + $3 >= total_items THEN 'completed'
		ELSE status END,
	finished_at = CASE
		WHEN finished_at IS NULL AND total_items > 0 AND completed_items + failed_items + $2 + $3 >= total_items THEN $4
		ELSE finished_at END
WHERE id = $1
RETURNING id, status, total_items, completed_items, failed_items`

// Claim implements enrich.ChunkStore.
func (s *Store) Claim(ctx context.Context, limit int, now time.Time) ([]enrich.ClaimedItem, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, claimSQL, limit, now)
	if err != nil {
		return nil, fmt.Errorf("claim items: %w", err)
	}
	defer rows.Close()

	var out []enrich.ClaimedItem
	for rows.Next() {
		var (
			ci     enrich.ClaimedItem
			status string
		)
		if err := rows.Scan(
			&ci.Item.ID,
			&ci.Item.JobID,
			&ci.Item.ContactID,
			&status,
			&ci.Item.AttemptCount,
			&ci.Item.NextRetryAt,
			&ci.Item.LockedAt,
			&ci.Item.CreatedAt,
			&ci.Contact.Email,
			&ci.Contact.CompanyWebsite,
			&ci.Contact.Industry,
			&ci.Contact.LeadListName,
		); err != nil {
			return nil, fmt.Errorf("scan claimed item: %w", err)
		}
		ci.Item.Status = enrich.ItemStatus(status)
		ci.Contact.ID = ci.Item.ContactID
		out = append(out, ci)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate claimed items: %w", err)
	}
	return out, nil
}

// LoadDomainCache implements enrich.ChunkStore.
func (s *Store) LoadDomainCache(ctx context.Context, domains []string, minConfidence int) (map[string]enrich.CachedClassification, error) {
	out := make(map[string]enrich.CachedClassification)
	if len(domains) == 0 {
		return out, nil
	}
	rows, err := s.pool.Query(ctx, domainCacheSQL, domains, minConfidence)
	if err != nil {
		return nil, fmt.Errorf("load domain cache: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			domain string
			c      enrich.CachedClassification
		)
		if err := rows.Scan(&domain, &c.Classification, &c.Confidence, &c.Reasoning); err != nil {
			return nil, fmt.Errorf("scan domain cache: %w", err)
		}
		out[domain] = c
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate domain cache: %w", err)
	}
	return out, nil
}

// LoadDigestCache implements enrich.ChunkStore.
func (s *Store) LoadDigestCache(ctx context.Context, domains []string) (map[string]string, error) {
	out := make(map[string]string)
	if len(domains) == 0 {
		return out, nil
	}
	rows, err := s.pool.Query(ctx, digestCacheSQL, domains)
	if err != nil {
		return nil, fmt.Errorf("load digest cache: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var domain, digest string
		if err := rows.Scan(&domain, &digest); err != nil {
			return nil, fmt.Errorf("scan digest cache: %w", err)
		}
		out[domain] = digest
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate digest cache: %w", err)
	}
	return out, nil
}

// ApplyResults implements enrich.ChunkStore. All writes share one transaction.
func (s *Store) ApplyResults(ctx context.Context, rs enrich.ResultSet, now time.Time) ([]enrich.JobProgress, error) {
	if rs.Empty() {
		return nil, nil
	}
	var progress []enrich.JobProgress
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		if err := execItems(ctx, tx, rs.Items); err != nil {
			return err
		}
		if err := execEnrichments(ctx, tx, rs.Enrichments); err != nil {
			return err
		}
		if err := execContacts(ctx, tx, rs.Contacts); err != nil {
			return err
		}
		if err := execDigests(ctx, tx, rs.Digests); err != nil {
			return err
		}
		for _, d := range rs.Jobs {
			var (
				p      enrich.JobProgress
				status string
			)
			if err := tx.QueryRow(ctx, bumpJobSQL, d.JobID, d.Completed, d.Failed, now).Scan(
				&p.JobID, &status, &p.TotalItems, &p.CompletedItems, &p.FailedItems,
			); err != nil {
				return fmt.Errorf("update job %s counters: %w", d.JobID, err)
			}
			p.Status = enrich.JobStatus(status)
			progress = append(progress, p)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return progress, nil
}

func (s *Store) inTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			return fmt.Errorf("%w (rollback: %v)", err, rbErr)
		}
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func execItems(ctx context.Context, tx pgx.Tx, items []enrich.ItemUpdate) error {
	if len(items) == 0 {
		return nil
	}
	var (
		ids      = make([]string, len(items))
		statuses = make([]string, len(items))
		attempts = make([]int32, len(items))
		retries  = make([]*time.Time, len(items))
		finished = make([]*time.Time, len(items))
		messages = make([]*string, len(items))
	)
	for i, u := range items {
		ids[i] = u.ItemID
		statuses[i] = string(u.Status)
		attempts[i] = int32(u.AttemptCount) // #nosec G115 -- attempt counts are bounded by max_retries.
		retries[i] = u.NextRetryAt
		finished[i] = u.FinishedAt
		messages[i] = nullString(u.ErrorMessage)
	}
	if _, err := tx.Exec(ctx, updateItemsSQL, ids, statuses, attempts, retries, finished, messages); err != nil {
		return fmt.Errorf("update job items: %w", err)
	}
	return nil
}

func execEnrichments(ctx context.Context, tx pgx.Tx, list []enrich.Enrichment) error {
	list = lastByKey(list, func(e enrich.Enrichment) string { return e.ContactID })
	if len(list) == 0 {
		return nil
	}
	var (
		contacts    = make([]string, len(list))
		domains     = make([]string, len(list))
		statuses    = make([]string, len(list))
		classes     = make([]string, len(list))
		confidences = make([]int32, len(list))
		reasonings  = make([]*string, len(list))
		costs       = make([]float64, len(list))
		processed   = make([]time.Time, len(list))
		contents    = make([]*string, len(list))
	)
	for i, e := range list {
		contacts[i] = e.ContactID
		domains[i] = e.Domain
		statuses[i] = string(e.Status)
		classes[i] = e.Classification
		confidences[i] = int32(e.Confidence) // #nosec G115 -- confidence is clamped to [1,10].
		reasonings[i] = nullString(e.Reasoning)
		costs[i] = e.Cost
		processed[i] = e.ProcessedAt
		contents[i] = nullString(e.Content)
	}
	if _, err := tx.Exec(ctx, upsertEnrichmentsSQL,
		contacts, domains, statuses, classes, confidences, reasonings, costs, processed, contents,
	); err != nil {
		return fmt.Errorf("upsert enrichments: %w", err)
	}
	return nil
}

func execContacts(ctx context.Context, tx pgx.Tx, list []enrich.ContactUpdate) error {
	list = lastByKey(list, func(c enrich.ContactUpdate) string { return c.ContactID })
	if len(list) == 0 {
		return nil
	}
	ids := make([]string, len(list))
	industries := make([]string, len(list))
	for i, c := range list {
		ids[i] = c.ContactID
		industries[i] = c.Industry
	}
	if _, err := tx.Exec(ctx, updateContactsSQL, ids, industries); err != nil {
		return fmt.Errorf("update contacts: %w", err)
	}
	return nil
}

func execDigests(ctx context.Context, tx pgx.Tx, list []enrich.DomainContent) error {
	list = lastByKey(list, func(d enrich.DomainContent) string { return d.Domain })
	if len(list) == 0 {
		return nil
	}
	domains := make([]string, len(list))
	digests := make([]string, len(list))
	fetched := make([]time.Time, len(list))
	for i, d := range list {
		domains[i] = d.Domain
		digests[i] = d.Digest
		fetched[i] = d.FetchedAt
	}
	if _, err := tx.Exec(ctx, upsertDigestsSQL, domains, digests, fetched); err != nil {
		return fmt.Errorf("upsert domain content: %w", err)
	}
	return nil
}

// lastByKey keeps the last entry per key in first-seen order. An upsert
// statement cannot touch the same row twice.
func lastByKey[T any](list []T, key func(T) string) []T {
	if len(list) < 2 {
		return list
	}
	pos := make(map[string]int, len(list))
	out := make([]T, 0, len(list))
	for _, v := range list {
		k := key(v)
		if i, ok := pos[k]; ok {
			out[i] = v
			continue
		}
		pos[k] = len(out)
		out = append(out, v)
	}
	return out
}

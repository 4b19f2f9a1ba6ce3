package worker

import (
	"time"

	"github.com/JakeFAU/lead-enricher/internal/enrich"
	"github.com/JakeFAU/lead-enricher/internal/progress"
)

// aggregate turns group results into the batched write set. Every item of a
// group gets the group's outcome; only the first item carries its cost.
// Failures are decided per item because attempt counts can differ.
func (p *Processor) aggregate(groups []domainGroup, results []groupResult, now time.Time) (enrich.ResultSet, Summary, []progress.Event) {
	var (
		rs      enrich.ResultSet
		events  []progress.Event
		summary = Summary{}
		deltas  = map[string]*enrich.JobDelta{}
		order   []string
	)
	delta := func(jobID string) *enrich.JobDelta {
		d, ok := deltas[jobID]
		if !ok {
			d = &enrich.JobDelta{JobID: jobID}
			deltas[jobID] = d
			order = append(order, jobID)
		}
		return d
	}

	for gi, g := range groups {
		res := results[gi]
		if res.fresh && res.digest != "" && g.domain != "" {
			rs.Digests = append(rs.Digests, enrich.DomainContent{Domain: g.domain, Digest: res.digest, FetchedAt: now})
		}
		for i, it := range g.items {
			summary.Items++
			cost := 0.0
			if i == 0 {
				cost = res.cost
			}
			evt := progress.Event{JobID: it.Item.JobID, ItemID: it.Item.ID, Domain: g.domain}

			switch res.kind {
			case kindAbandoned:
				summary.Abandoned++
				continue

			case kindCacheHit, kindSuccess:
				finished := now
				rs.Items = append(rs.Items, enrich.ItemUpdate{
					ItemID:       it.Item.ID,
					JobID:        it.Item.JobID,
					Status:       enrich.ItemStatusCompleted,
					AttemptCount: it.Item.AttemptCount,
					FinishedAt:   &finished,
				})
				rs.Enrichments = append(rs.Enrichments, enrich.Enrichment{
					ContactID:      it.Contact.ID,
					Domain:         g.domain,
					Status:         enrich.EnrichmentCompleted,
					Classification: res.class.Classification,
					Confidence:     res.class.Confidence,
					Reasoning:      res.class.Reasoning,
					Cost:           cost,
					ProcessedAt:    now,
					Content:        res.digest,
				})
				rs.Contacts = append(rs.Contacts, enrich.ContactUpdate{ContactID: it.Contact.ID, Industry: res.class.Classification})
				delta(it.Item.JobID).Completed++
				summary.Completed++
				summary.Cost += cost
				if res.kind == kindCacheHit {
					summary.CacheHits++
				}
				evt.Stage = progress.StageItemCompleted
				evt.Cost = cost
				evt.Note = res.class.Classification

			case kindFailure:
				d := p.deps.Policy.Decide(res.err, it.Item.AttemptCount, now)
				update := enrich.ItemUpdate{
					ItemID:       it.Item.ID,
					JobID:        it.Item.JobID,
					Status:       d.Status,
					AttemptCount: d.AttemptCount,
					NextRetryAt:  d.NextRetryAt,
					ErrorMessage: d.ErrorMessage,
				}
				summary.Cost += cost
				evt.Cost = cost
				evt.Note = d.ErrorMessage
				if d.Retry() {
					summary.Retried++
					evt.Stage = progress.StageItemRetry
				} else {
					finished := now
					update.FinishedAt = &finished
					rs.Enrichments = append(rs.Enrichments, enrich.Enrichment{
						ContactID:      it.Contact.ID,
						Domain:         g.domain,
						Status:         enrich.EnrichmentFailed,
						Classification: enrich.ErrorClassification,
						Confidence:     1,
						Reasoning:      d.ErrorMessage,
						Cost:           cost,
						ProcessedAt:    now,
						Content:        res.digest,
					})
					delta(it.Item.JobID).Failed++
					summary.Failed++
					evt.Stage = progress.StageItemFailed
				}
				rs.Items = append(rs.Items, update)
			}
			events = append(events, evt)
		}
	}
	for _, id := range order {
		rs.Jobs = append(rs.Jobs, *deltas[id])
	}
	return rs, summary, events
}

package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/lead-enricher/internal/classifier"
	"github.com/JakeFAU/lead-enricher/internal/enrich"
	"github.com/JakeFAU/lead-enricher/internal/fetcher"
	"github.com/JakeFAU/lead-enricher/internal/progress"
)

// domainGroup holds the items of a chunk that share a domain key. Items
// without a usable website each form their own group with an empty domain.
type domainGroup struct {
	domain  string
	website string
	items   []enrich.ClaimedItem
}

type resultKind int

const (
	kindCacheHit resultKind = iota
	kindSuccess
	kindFailure
	// kindAbandoned items are left processing for recovery because the
	// chunk was canceled before they finished.
	kindAbandoned
)

type groupResult struct {
	kind   resultKind
	class  enrich.CachedClassification
	cost   float64
	digest string
	// fresh is set when digest came from a fetch in this chunk.
	fresh bool
	err   error
}

type chunkCaches struct {
	domains map[string]enrich.CachedClassification
	digests map[string]string
}

func groupByDomain(items []enrich.ClaimedItem) []domainGroup {
	index := make(map[string]int)
	groups := make([]domainGroup, 0, len(items))
	for _, it := range items {
		website := strings.TrimSpace(it.Contact.CompanyWebsite)
		domain := ""
		if website != "" {
			domain = enrich.DomainKey(website)
		}
		if domain == "" {
			groups = append(groups, domainGroup{website: website, items: []enrich.ClaimedItem{it}})
			continue
		}
		if i, ok := index[domain]; ok {
			groups[i].items = append(groups[i].items, it)
			continue
		}
		index[domain] = len(groups)
		groups = append(groups, domainGroup{domain: domain, website: website, items: []enrich.ClaimedItem{it}})
	}
	return groups
}

// buildCaches loads both chunk-scoped caches. A failed load only costs
// throughput, so it is logged and replaced by an empty map.
func (p *Processor) buildCaches(ctx context.Context, groups []domainGroup) chunkCaches {
	domains := make([]string, 0, len(groups))
	for _, g := range groups {
		if g.domain != "" {
			domains = append(domains, g.domain)
		}
	}
	caches := chunkCaches{
		domains: map[string]enrich.CachedClassification{},
		digests: map[string]string{},
	}
	if len(domains) == 0 {
		return caches
	}
	if m, err := p.deps.Store.LoadDomainCache(ctx, domains, p.cfg.CacheMinConfidence); err != nil {
		p.deps.Logger.Warn("domain cache unavailable", zap.Int("domains", len(domains)), zap.Error(err))
	} else {
		caches.domains = m
	}
	if m, err := p.deps.Store.LoadDigestCache(ctx, domains); err != nil {
		p.deps.Logger.Warn("digest cache unavailable", zap.Int("domains", len(domains)), zap.Error(err))
	} else {
		caches.digests = m
	}
	return caches
}

// runGroup resolves one domain group. The leader item supplies the job and
// item IDs used on emitted events.
// classify releases the classify slot acquired by the caller.
func (p *Processor) classify(ctx context.Context, req classifier.Request) (classifier.Result, error) {
	defer p.classSem.Release(1)
	return p.deps.Classifier.Classify(ctx, req)
}

// runGroupSafe runs runGroup, turning a panic into a retryable failure for
// the group so one bad page cannot take down the chunk.
func (p *Processor) runGroupSafe(ctx context.Context, g domainGroup, caches chunkCaches) (res groupResult) {
	defer func() {
		if r := recover(); r != nil {
			p.deps.Logger.Error("enrichment panicked",
				zap.String("domain", g.domain),
				zap.Any("panic", r),
				zap.Stack("stack"),
			)
			res = groupResult{kind: kindFailure, err: enrich.E(enrich.KindTransientNetwork, "enrich", fmt.Errorf("panic: %v", r))}
		}
	}()
	return p.runGroup(ctx, g, caches)
}

func (p *Processor) runGroup(ctx context.Context, g domainGroup, caches chunkCaches) groupResult {
	leader := g.items[0]
	log := p.deps.Logger.With(
		zap.String("job_id", leader.Item.JobID),
		zap.String("item_id", leader.Item.ID),
		zap.String("domain", g.domain),
	)
	if g.domain == "" {
		return groupResult{kind: kindFailure, err: enrich.E(enrich.KindMissingWebsite, "enrich",
			fmt.Errorf("contact %s has no usable company website", leader.Contact.ID))}
	}
	if cached, ok := caches.domains[g.domain]; ok {
		p.deps.Emitter.Emit(progress.Event{
			Stage:  progress.StageCacheHit,
			JobID:  leader.Item.JobID,
			ItemID: leader.Item.ID,
			Domain: g.domain,
			Count:  len(g.items),
		})
		return groupResult{kind: kindCacheHit, class: cached}
	}

	res := groupResult{}
	digest, ok := caches.digests[g.domain]
	if !ok {
		page, err := p.fetch(ctx, leader, g.website)
		if err != nil {
			return p.failure(ctx, err)
		}
		digest, err = p.deps.Digest.Build(page.URL, page.Body)
		if err != nil {
			return p.failure(ctx, enrich.E(enrich.KindValidation, "digest", err))
		}
		res.fresh = true
		if p.deps.Archive != nil {
			if _, err := p.deps.Archive.Store(ctx, g.domain, page.Body); err != nil {
				log.Warn("archive page failed", zap.Error(err))
			}
		}
	}
	res.digest = digest

	if err := p.classSem.Acquire(ctx, 1); err != nil {
		return groupResult{kind: kindAbandoned, err: err}
	}
	out, err := p.classify(ctx, classifier.Request{
		Digest:  digest,
		Website: g.website,
		Email:   leader.Contact.Email,
	})

	note := ""
	if err != nil {
		note = err.Error()
	}
	p.deps.Emitter.Emit(progress.Event{
		Stage:   progress.StageClassifyDone,
		JobID:   leader.Item.JobID,
		ItemID:  leader.Item.ID,
		Domain:  g.domain,
		Outcome: outcomeFor(err),
		Cost:    out.Cost,
		Note:    note,
	})
	res.cost = out.Cost
	if err != nil {
		failed := p.failure(ctx, err)
		failed.cost = out.Cost
		failed.digest, failed.fresh = res.digest, res.fresh
		return failed
	}
	res.kind = kindSuccess
	res.class = enrich.CachedClassification{
		Classification: out.Classification,
		Confidence:     out.Confidence,
		Reasoning:      out.Reasoning,
	}
	return res
}

func (p *Processor) fetch(ctx context.Context, leader enrich.ClaimedItem, website string) (fetcher.Page, error) {
	if err := p.fetchSem.Acquire(ctx, 1); err != nil {
		return fetcher.Page{}, err
	}
	defer p.fetchSem.Release(1)
	return p.deps.Fetcher.Fetch(ctx, fetcher.Request{
		JobID:   leader.Item.JobID,
		ItemID:  leader.Item.ID,
		Website: website,
	})
}

// failure maps err to a failed result, or to an abandoned one when the chunk
// context ended underneath the call.
func (p *Processor) failure(ctx context.Context, err error) groupResult {
	if ctx.Err() != nil {
		return groupResult{kind: kindAbandoned, err: err}
	}
	return groupResult{kind: kindFailure, err: err}
}

func outcomeFor(err error) progress.Outcome {
	switch {
	case err == nil:
		return progress.OutcomeOK
	case errors.Is(err, context.Canceled):
		return progress.OutcomeCanceled
	default:
		return progress.OutcomeError
	}
}

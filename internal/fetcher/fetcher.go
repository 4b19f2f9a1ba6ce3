package fetcher

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/lead-enricher/internal/enrich"
	"github.com/JakeFAU/lead-enricher/internal/progress"
)

// Source fetches a page body for a URL.
type Source interface {
	Name() string
	Fetch(ctx context.Context, target string) ([]byte, error)
}

// Limiter throttles calls to a provider.
type Limiter interface {
	Wait(ctx context.Context, provider string) error
}

// ShellDetector recognizes bodies that only render in a browser.
type ShellDetector interface {
	IsShell(body []byte) bool
}

// Config controls tier timeouts and validation.
type Config struct {
	// AttemptTimeout bounds each tier-one attempt (default 8s).
	AttemptTimeout time.Duration
	// PremiumTimeout bounds each premium attempt (default and minimum 30s).
	PremiumTimeout   time.Duration
	MinContentLength int
	BlockSignatures  []string
	// BlockedHosts lists website hosts that are never a company's own site.
	BlockedHosts []string
}

const (
	defaultAttemptTimeout = 8 * time.Second
	minPremiumTimeout     = 30 * time.Second
	defaultMinContent     = 100
)

// Deps holds the collaborators of a Fetcher.
type Deps struct {
	Resolver Resolver
	Direct   Source
	Relays   []Source
	Premium  []Source
	Limiter  Limiter
	// Shell, when set, rejects script shells in the race tier so premium
	// sources can render them.
	Shell   ShellDetector
	Emitter progress.Emitter
	Logger  *zap.Logger
}

// Request identifies the page to fetch and the item it is fetched for.
type Request struct {
	JobID   string
	ItemID  string
	Website string
}

// Page is accepted content.
type Page struct {
	URL      string
	Domain   string
	Body     []byte
	Provider string
	Tier     int
	Duration time.Duration
}

// Fetcher runs the tiered fetch strategy. It is safe for concurrent use.
type Fetcher struct {
	cfg       Config
	deps      Deps
	validator *Validator
	blocked   *hostBlocklist
}

// New builds a Fetcher, applying defaults to cfg.
func New(cfg Config, deps Deps) *Fetcher {
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = defaultAttemptTimeout
	}
	if cfg.PremiumTimeout < minPremiumTimeout {
		cfg.PremiumTimeout = minPremiumTimeout
	}
	if cfg.MinContentLength <= 0 {
		cfg.MinContentLength = defaultMinContent
	}
	if cfg.BlockSignatures == nil {
		cfg.BlockSignatures = DefaultBlockSignatures
	}
	if deps.Emitter == nil {
		deps.Emitter = progress.Nop{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Fetcher{
		cfg:       cfg,
		deps:      deps,
		validator: NewValidator(cfg.MinContentLength, cfg.BlockSignatures),
		blocked:   newHostBlocklist(cfg.BlockedHosts),
	}
}

// Fetch returns the first validated page across all tiers. It fails fast with
// a terminal error when the domain does not resolve, and otherwise returns an
// error aggregating every attempt once all tiers are exhausted.
func (f *Fetcher) Fetch(ctx context.Context, req Request) (Page, error) {
	target := enrich.NormalizeURL(req.Website)
	u, err := url.Parse(target)
	if err != nil || u.Hostname() == "" {
		return Page{}, enrich.E(enrich.KindMissingWebsite, "fetch", fmt.Errorf("invalid website %q", req.Website))
	}
	host := u.Hostname()
	domain := enrich.DomainKey(target)
	if f.blocked.blocked(host) {
		return Page{}, enrich.E(enrich.KindMissingWebsite, "fetch", fmt.Errorf("website %s is a listing host, not a company site", host))
	}

	if err := checkDNS(ctx, f.deps.Resolver, host); err != nil {
		f.deps.Emitter.Emit(progress.Event{
			Stage:  progress.StageDNSFail,
			JobID:  req.JobID,
			ItemID: req.ItemID,
			Domain: domain,
			Note:   err.Error(),
		})
		return Page{}, err
	}

	tracker := &attemptLog{}
	if page, ok := f.race(ctx, req, target, domain, tracker); ok {
		return page, nil
	}
	if ctx.Err() == nil {
		if page, ok := f.premium(ctx, req, target, domain, tracker); ok {
			return page, nil
		}
	}
	if ctx.Err() != nil {
		tracker.add("context", ctx.Err(), false)
	}
	return Page{}, tracker.err()
}

type attemptResult struct {
	page Page
	err  error
}

// race runs the direct source and every relay concurrently; the first
// validated body wins and the rest are canceled.
func (f *Fetcher) race(ctx context.Context, req Request, target, domain string, log *attemptLog) (Page, bool) {
	sources := make([]Source, 0, 1+len(f.deps.Relays))
	if f.deps.Direct != nil {
		sources = append(sources, f.deps.Direct)
	}
	sources = append(sources, f.deps.Relays...)
	if len(sources) == 0 {
		return Page{}, false
	}

	raceCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan attemptResult, len(sources))
	for _, src := range sources {
		go func(src Source) {
			attemptCtx, attemptCancel := context.WithTimeout(raceCtx, f.cfg.AttemptTimeout)
			defer attemptCancel()
			page, err := f.attempt(attemptCtx, req, src, progress.TierRace, target, domain)
			results <- attemptResult{page: page, err: err}
		}(src)
	}

	for range sources {
		res := <-results
		if res.err == nil {
			cancel()
			return res.page, true
		}
		log.add("", res.err, isValidation(res.err))
	}
	return Page{}, false
}

// premium tries each premium source in order until one returns valid content.
func (f *Fetcher) premium(ctx context.Context, req Request, target, domain string, log *attemptLog) (Page, bool) {
	for _, src := range f.deps.Premium {
		if ctx.Err() != nil {
			return Page{}, false
		}
		attemptCtx, cancel := context.WithTimeout(ctx, f.cfg.PremiumTimeout)
		page, err := f.attempt(attemptCtx, req, src, progress.TierPremium, target, domain)
		cancel()
		if err == nil {
			return page, true
		}
		log.add("", err, isValidation(err))
	}
	return Page{}, false
}

func (f *Fetcher) attempt(ctx context.Context, req Request, src Source, tier int, target, domain string) (Page, error) {
	base := progress.Event{
		JobID:    req.JobID,
		ItemID:   req.ItemID,
		Domain:   domain,
		Provider: src.Name(),
		Tier:     tier,
	}
	start := base
	start.Stage = progress.StageFetchAttempt
	f.deps.Emitter.Emit(start)

	began := time.Now()
	var body []byte
	err := f.wait(ctx, src.Name())
	if err == nil {
		body, err = src.Fetch(ctx, target)
	}
	elapsed := time.Since(began)

	done := base
	done.Stage = progress.StageFetchDone
	done.Dur = elapsed
	done.Bytes = int64(len(body))

	switch {
	case err != nil:
		done.Outcome = progress.OutcomeError
		if errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled) {
			done.Outcome = progress.OutcomeCanceled
		}
		done.Note = err.Error()
		f.deps.Emitter.Emit(done)
		return Page{}, fmt.Errorf("%s: %w", src.Name(), err)
	default:
		verr := f.validator.Check(domain, body)
		if verr == nil && tier == progress.TierRace && f.deps.Shell != nil && f.deps.Shell.IsShell(body) {
			verr = enrich.E(enrich.KindValidation, "validate", errors.New("unrendered script shell"))
		}
		if verr != nil {
			done.Outcome = progress.OutcomeRejected
			done.Note = verr.Error()
			f.deps.Emitter.Emit(done)
			return Page{}, fmt.Errorf("%s: %w", src.Name(), verr)
		}
	}
	done.Outcome = progress.OutcomeOK
	f.deps.Emitter.Emit(done)
	f.deps.Logger.Debug("page fetched",
		zap.String("domain", domain),
		zap.String("provider", src.Name()),
		zap.Int("tier", tier),
		zap.Int("bytes", len(body)),
		zap.Duration("elapsed", elapsed),
	)
	return Page{
		URL:      target,
		Domain:   domain,
		Body:     body,
		Provider: src.Name(),
		Tier:     tier,
		Duration: elapsed,
	}, nil
}

func (f *Fetcher) wait(ctx context.Context, provider string) error {
	if f.deps.Limiter == nil {
		return nil
	}
	return f.deps.Limiter.Wait(ctx, provider)
}

func isValidation(err error) bool {
	return enrich.KindOf(err) == enrich.KindValidation
}

// attemptLog accumulates failure messages across tiers.
type attemptLog struct {
	messages      []string
	allValidation bool
	n             int
}

func (l *attemptLog) add(label string, err error, validation bool) {
	msg := err.Error()
	if label != "" {
		msg = label + ": " + msg
	}
	l.messages = append(l.messages, msg)
	if l.n == 0 {
		l.allValidation = validation
	} else {
		l.allValidation = l.allValidation && validation
	}
	l.n++
}

func (l *attemptLog) err() error {
	if l.n == 0 {
		return enrich.E(enrich.KindTransientNetwork, "fetch", errors.New("no fetch sources configured"))
	}
	kind := enrich.KindTransientNetwork
	if l.allValidation {
		kind = enrich.KindValidation
	}
	return enrich.E(kind, "fetch", fmt.Errorf("all sources failed: %s", strings.Join(l.messages, "; ")))
}

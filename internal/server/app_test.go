package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/lead-enricher/internal/config"
	"github.com/JakeFAU/lead-enricher/internal/enrich"
	"github.com/JakeFAU/lead-enricher/internal/fetcher/relay"
	memorypublisher "github.com/JakeFAU/lead-enricher/internal/publisher/memory"
	memorystorage "github.com/JakeFAU/lead-enricher/internal/storage/memory"
)

const sitePage = `<html><head><title>Hale & Partners LLP</title>
<meta name="description" content="Employment and commercial litigation attorneys."></head>
<body><h1>Hale & Partners</h1><p>Our attorneys represent businesses in employment disputes,
contract litigation, and regulatory matters across the state.</p></body></html>`

func classifierServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		content := `{"classification":"Legal Services","confidence":9,"reasoning":"law firm site"}`
		resp := map[string]any{
			"choices": []map[string]any{{"message": map[string]any{"content": content}}},
			"usage":   map[string]any{"prompt_tokens": 800, "completion_tokens": 40},
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func siteServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(sitePage))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(classifierURL string) config.Config {
	return config.Config{
		Server:      config.ServerConfig{Port: 8080, ShutdownTimeoutSeconds: 5},
		Database:    config.DatabaseConfig{Driver: "memory"},
		Controller:  config.ControllerConfig{ChunkSize: 10, PollIntervalMs: 20, YieldIntervalMs: 5, ErrorBackoffMs: 20},
		Concurrency: config.ConcurrencyConfig{Fetch: 4, Classify: 2},
		Retry:       config.RetryConfig{MaxRetries: 3, BaseDelaySeconds: 30},
		Cache:       config.CacheConfig{MinConfidence: 7},
		Fetch:       config.FetchConfig{UserAgent: "enricher-test", AttemptTimeoutSeconds: 5, PremiumTimeoutSeconds: 30},
		Classifier:  config.ClassifierConfig{BaseURL: classifierURL, APIKey: "k", Model: "m", RatePerMillionIn: 0.15, RatePerMillionOut: 0.6, TimeoutSeconds: 5},
		Storage:     config.StorageConfig{Backend: "memory"},
		Tracing:     config.TracingConfig{ServiceName: "lead-enricher-test"},
	}
}

func buildTestApp(t *testing.T, cfg config.Config) *App {
	t.Helper()
	app, err := BuildWithOptions(context.Background(), cfg, Options{
		Logger:     zap.NewNop(),
		Registerer: prometheus.NewRegistry(),
	})
	require.NoError(t, err)
	return app
}

func TestBuildWithMemoryDriver(t *testing.T) {
	t.Parallel()

	app := buildTestApp(t, testConfig("https://llm.test/v1"))
	require.IsType(t, &memorystorage.Store{}, app.Store())
	require.IsType(t, &memorypublisher.Publisher{}, app.publisher)
	require.NotNil(t, app.Controller())
	require.NotNil(t, app.Submitter())

	rec := httptest.NewRecorder()
	app.Handler(context.Background()).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, app.Close(ctx))
}

func TestBuildRejectsBadRelay(t *testing.T) {
	t.Parallel()

	cfg := testConfig("https://llm.test/v1")
	cfg.Fetch.Relays = []relay.Config{{URLTemplate: "https://r.test/{url}"}}
	_, err := BuildWithOptions(context.Background(), cfg, Options{
		Logger:     zap.NewNop(),
		Registerer: prometheus.NewRegistry(),
	})
	require.Error(t, err)
}

func TestBuildUnknownDriver(t *testing.T) {
	t.Parallel()

	cfg := testConfig("https://llm.test/v1")
	cfg.Database.Driver = "sqlite"
	_, err := BuildWithOptions(context.Background(), cfg, Options{
		Logger:     zap.NewNop(),
		Registerer: prometheus.NewRegistry(),
	})
	require.ErrorContains(t, err, "unknown database driver")
}

func TestEndToEndEnrichment(t *testing.T) {
	t.Parallel()

	site := siteServer(t)
	app := buildTestApp(t, testConfig(classifierServer(t).URL))
	st, ok := app.Store().(*memorystorage.Store)
	require.True(t, ok)
	st.PutContact(enrich.Contact{ID: "c1", Email: "ops@hale.test", CompanyWebsite: site.URL})
	st.PutContact(enrich.Contact{ID: "c2", Email: "ar@hale.test", CompanyWebsite: site.URL + "/about"})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	report, err := app.Submitter().Submit(ctx, []string{"c1", "c2"})
	require.NoError(t, err)
	require.Equal(t, 2, report.Inserted)

	require.True(t, app.Controller().Start(ctx))
	require.Eventually(t, func() bool {
		job, err := st.GetJob(ctx, report.JobID)
		return err == nil && job.Status == enrich.JobStatusCompleted
	}, 15*time.Second, 20*time.Millisecond)

	job, err := st.GetJob(ctx, report.JobID)
	require.NoError(t, err)
	require.Equal(t, 2, job.CompletedItems)
	require.Zero(t, job.FailedItems)

	first, ok := st.Enrichment("c1")
	require.True(t, ok)
	require.Equal(t, "Legal Services", first.Classification)
	require.Equal(t, 9, first.Confidence)
	require.Positive(t, first.Cost)

	second, ok := st.Enrichment("c2")
	require.True(t, ok)
	require.Equal(t, "Legal Services", second.Classification)
	require.Zero(t, second.Cost, "same-domain items share one classification")

	contact, ok := st.Contact("c1")
	require.True(t, ok)
	require.Equal(t, "Legal Services", contact.Industry)

	closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer closeCancel()
	require.NoError(t, app.Close(closeCtx))

	pub, ok := app.publisher.(*memorypublisher.Publisher)
	require.True(t, ok)
	msgs := pub.Messages()
	require.Len(t, msgs, 1, "hub flushes the completion notification on close")
	require.True(t, strings.Contains(mustJSON(t, msgs[0].Payload), report.JobID))
}

func TestSubmitOverHTTPStartsIdleController(t *testing.T) {
	t.Parallel()

	site := siteServer(t)
	app := buildTestApp(t, testConfig(classifierServer(t).URL))
	st, ok := app.Store().(*memorystorage.Store)
	require.True(t, ok)
	st.PutContact(enrich.Contact{ID: "c1", Email: "ops@hale.test", CompanyWebsite: site.URL})

	loopCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	report, err := app.Controller().RecoverStaleJobs(loopCtx)
	require.NoError(t, err)
	require.False(t, report.Started)
	require.False(t, app.Controller().Running())

	req := httptest.NewRequest(http.MethodPost, "/v1/jobs", strings.NewReader(`{"contact_ids":["c1"]}`))
	rec := httptest.NewRecorder()
	app.Handler(loopCtx).ServeHTTP(rec, req)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var submitted struct {
		JobID string `json:"job_id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &submitted))
	require.Eventually(t, func() bool {
		job, err := st.GetJob(loopCtx, submitted.JobID)
		return err == nil && job.Status == enrich.JobStatusCompleted
	}, 15*time.Second, 20*time.Millisecond)

	closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer closeCancel()
	require.NoError(t, app.Close(closeCtx))
}

func mustJSON(t *testing.T, v any) string {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return string(b)
}

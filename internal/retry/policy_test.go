package retry

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/lead-enricher/internal/enrich"
)

var now = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func TestDecideSchedulesRetry(t *testing.T) {
	t.Parallel()

	p := Policy{MaxRetries: 3, BaseDelay: 10 * time.Second}
	err := enrich.E(enrich.KindTransientNetwork, "fetch", errors.New("timeout"))

	for attempt := 0; attempt < 3; attempt++ {
		d := p.Decide(err, attempt, now)
		require.True(t, d.Retry())
		require.Equal(t, attempt+1, d.AttemptCount)
		require.NotNil(t, d.NextRetryAt)
		want := now.Add(10 * time.Second * time.Duration(1<<attempt))
		require.Equal(t, want, *d.NextRetryAt)
		require.Equal(t, "fetch: timeout", d.ErrorMessage)
	}
}

func TestDecideExhausted(t *testing.T) {
	t.Parallel()

	p := Policy{MaxRetries: 3, BaseDelay: time.Second}
	d := p.Decide(errors.New("still down"), 3, now)

	require.Equal(t, enrich.ItemStatusFailed, d.Status)
	require.Equal(t, 3, d.AttemptCount)
	require.Nil(t, d.NextRetryAt)
	require.Equal(t, "still down", d.ErrorMessage)
}

func TestDecideTerminalNeverRetries(t *testing.T) {
	t.Parallel()

	p := DefaultPolicy()
	dns := fmt.Errorf("fetch: %w", enrich.E(enrich.KindTerminalResolution, "resolve", errors.New("no such host")))

	d := p.Decide(dns, 0, now)
	require.Equal(t, enrich.ItemStatusFailed, d.Status)
	require.Zero(t, d.AttemptCount)

	missing := enrich.E(enrich.KindMissingWebsite, "process", nil)
	require.False(t, p.Decide(missing, 1, now).Retry())
}

func TestDecideClassifierErrorsRetry(t *testing.T) {
	t.Parallel()

	p := DefaultPolicy()
	d := p.Decide(enrich.E(enrich.KindClassifierMarker, "classify", nil), 0, now)
	require.True(t, d.Retry())
}

func TestBackoffCap(t *testing.T) {
	t.Parallel()

	p := Policy{MaxRetries: 10, BaseDelay: time.Second, MaxDelay: 5 * time.Second}
	require.Equal(t, time.Second, p.Backoff(0))
	require.Equal(t, 4*time.Second, p.Backoff(2))
	require.Equal(t, 5*time.Second, p.Backoff(3))
	require.Equal(t, time.Second, p.Backoff(-1))
}

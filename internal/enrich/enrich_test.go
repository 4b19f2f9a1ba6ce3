package enrich

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDomainKey(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"https://www.Foo.com/about?x=1": "foo.com",
		"foo.com":                       "foo.com",
		"http://bar.test:8080":          "bar.test",
		"  WWW.baz.io/  ":               "baz.io",
		"":                              "",
	}
	for in, want := range cases {
		require.Equal(t, want, DomainKey(in), "input %q", in)
	}
}

func TestNormalizeURL(t *testing.T) {
	t.Parallel()

	require.Equal(t, "https://foo.com", NormalizeURL("foo.com"))
	require.Equal(t, "http://foo.com", NormalizeURL("http://foo.com"))
	require.Empty(t, NormalizeURL("   "))
}

func TestKindOf(t *testing.T) {
	t.Parallel()

	dns := E(KindTerminalResolution, "resolve", errors.New("no such host"))
	wrapped := fmt.Errorf("fetch: %w", dns)

	require.Equal(t, KindTerminalResolution, KindOf(wrapped))
	require.True(t, IsTerminal(wrapped))
	require.False(t, dns.Retryable())

	require.Equal(t, KindTransientNetwork, KindOf(errors.New("boom")))
	require.False(t, IsTerminal(errors.New("boom")))
	require.False(t, IsTerminal(nil))
	require.True(t, E(KindValidation, "validate", nil).Retryable())
	require.Equal(t, "validate: content_rejected", E(KindValidation, "validate", nil).Error())
}

func TestJobDone(t *testing.T) {
	t.Parallel()

	require.False(t, Job{}.Done())
	require.False(t, Job{TotalItems: 3, CompletedItems: 1, FailedItems: 1}.Done())
	require.True(t, Job{TotalItems: 3, CompletedItems: 2, FailedItems: 1}.Done())
}

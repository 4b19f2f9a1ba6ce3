package memory

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBlobStorePutObject(t *testing.T) {
	t.Parallel()

	s := NewBlobStore()
	payload := []byte("content")
	uri, err := s.PutObject(context.Background(), "pages/acme.test/abc.html", "text/html", bytes.NewReader(payload))
	require.NoError(t, err)
	require.Equal(t, "memory://pages/acme.test/abc.html", uri)

	payload[0] = 'C'
	got, ok := s.Object("pages/acme.test/abc.html")
	require.True(t, ok)
	require.Equal(t, "content", string(got))
	require.Equal(t, []string{"pages/acme.test/abc.html"}, s.Paths())

	_, ok = s.Object("missing")
	require.False(t, ok)
}

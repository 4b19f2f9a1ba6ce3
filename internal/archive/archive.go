// Package archive stores raw fetched pages under content-addressed paths.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/lead-enricher/internal/enrich"
)

// ContentType is recorded on every archived page.
const ContentType = "text/html; charset=utf-8"

// Archiver writes pages to a blob store. A nil *Archiver is a no-op.
type Archiver struct {
	blobs  enrich.BlobStore
	hasher enrich.Hasher
	logger *zap.Logger
}

// New returns an Archiver, or nil when blobs is nil.
func New(blobs enrich.BlobStore, hasher enrich.Hasher, logger *zap.Logger) *Archiver {
	if blobs == nil || hasher == nil {
		return nil
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Archiver{blobs: blobs, hasher: hasher, logger: logger}
}

// Path returns pages/<domain>/<hash>.html.
func Path(domain, hash string) string {
	domain = strings.Trim(strings.ReplaceAll(domain, "/", "_"), ".")
	if domain == "" {
		domain = "_unknown"
	}
	return fmt.Sprintf("pages/%s/%s.html", domain, hash)
}

// Store archives body and returns its URI.
func (a *Archiver) Store(ctx context.Context, domain string, body []byte) (string, error) {
	if a == nil || len(body) == 0 {
		return "", nil
	}
	sum, err := a.hasher.Hash(body)
	if err != nil {
		return "", fmt.Errorf("hash page: %w", err)
	}
	uri, err := a.blobs.PutObject(ctx, Path(domain, sum), ContentType, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("archive page for %s: %w", domain, err)
	}
	a.logger.Debug("page archived", zap.String("domain", domain), zap.String("uri", uri))
	return uri, nil
}

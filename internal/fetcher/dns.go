package fetcher

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/JakeFAU/lead-enricher/internal/enrich"
)

// Resolver looks up hosts; *net.Resolver satisfies it.
type Resolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

// checkDNS returns a terminal error when host definitively does not exist.
// Other lookup failures are not conclusive and return nil.
func checkDNS(ctx context.Context, r Resolver, host string) error {
	if r == nil {
		return nil
	}
	_, err := r.LookupHost(ctx, host)
	if err == nil {
		return nil
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
		return enrich.E(enrich.KindTerminalResolution, "resolve", fmt.Errorf("domain %s does not exist", host))
	}
	return nil
}

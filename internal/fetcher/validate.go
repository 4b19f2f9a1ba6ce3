package fetcher

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/JakeFAU/lead-enricher/internal/enrich"
)

// DefaultBlockSignatures are case-insensitive markers of bot walls and error pages.
var DefaultBlockSignatures = []string{
	"captcha",
	"access denied",
	"attention required",
	"just a moment",
	"cf-browser-verification",
	"are you a robot",
	"request blocked",
	"please enable javascript and cookies",
	"domain is for sale",
}

// Validator decides whether fetched content is usable.
type Validator struct {
	minLength  int
	signatures []string
}

// NewValidator lower-cases and de-blanks the signatures.
func NewValidator(minLength int, signatures []string) *Validator {
	sigs := make([]string, 0, len(signatures))
	for _, s := range signatures {
		s = strings.ToLower(strings.TrimSpace(s))
		if s != "" {
			sigs = append(sigs, s)
		}
	}
	return &Validator{minLength: minLength, signatures: sigs}
}

// Check rejects bodies shorter than the minimum or carrying a block signature.
// A signature contained in domain itself is ignored, so a site named after a
// signature word is not rejected for mentioning its own name.
func (v *Validator) Check(domain string, body []byte) error {
	if len(body) < v.minLength {
		return enrich.E(enrich.KindValidation, "validate", fmt.Errorf("content too short (%d bytes)", len(body)))
	}
	lower := bytes.ToLower(body)
	domain = strings.ToLower(domain)
	compact := strings.NewReplacer("-", "", ".", "").Replace(domain)
	for _, sig := range v.signatures {
		bare := strings.ReplaceAll(sig, " ", "")
		if strings.Contains(domain, sig) || strings.Contains(compact, bare) {
			continue
		}
		if bytes.Contains(lower, []byte(sig)) {
			return enrich.E(enrich.KindValidation, "validate", fmt.Errorf("blocked content: %q", sig))
		}
	}
	return nil
}

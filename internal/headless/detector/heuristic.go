// Package detector recognizes pages that need a browser to render their content.
package detector

import (
	"bytes"
	"io"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

const (
	defaultThreshold     = 2048
	defaultScriptPercent = 25
)

// DefaultMarkers are lower-case fragments left by client-side frameworks in
// an unrendered page.
var DefaultMarkers = []string{
	"__next",
	`id="root"`,
	`id="app"`,
	"data-reactroot",
	"ng-version",
	"you need to enable javascript",
}

// Heuristic flags script shells: small documents dominated by script or
// carrying a framework mount point.
type Heuristic struct {
	// BodyLengthThreshold is the size at which a document counts as rendered.
	BodyLengthThreshold int
	// ScriptPercent is the share of bytes inside <script> that marks a shell.
	ScriptPercent int
	Markers       [][]byte
}

// NewHeuristic creates a detector; a zero threshold selects 2048 bytes.
func NewHeuristic(threshold int) *Heuristic {
	if threshold <= 0 {
		threshold = defaultThreshold
	}
	markers := make([][]byte, 0, len(DefaultMarkers))
	for _, m := range DefaultMarkers {
		markers = append(markers, []byte(m))
	}
	return &Heuristic{
		BodyLengthThreshold: threshold,
		ScriptPercent:       defaultScriptPercent,
		Markers:             markers,
	}
}

// IsShell reports whether body is empty, or is below the threshold and either
// script dominated or carrying a client-side mount point.
func (h *Heuristic) IsShell(body []byte) bool {
	if len(bytes.TrimSpace(body)) == 0 {
		return true
	}
	if len(body) >= h.BodyLengthThreshold {
		return false
	}
	if scriptShare(body) >= h.ScriptPercent {
		return true
	}
	lower := bytes.ToLower(body)
	for _, marker := range h.Markers {
		if bytes.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// scriptShare returns the percentage of body bytes that belong to script
// elements, tags included. An unterminated script counts to the end.
func scriptShare(body []byte) int {
	z := html.NewTokenizer(bytes.NewReader(body))
	var (
		inScript bool
		covered  int
	)
	for {
		tt := z.Next()
		if tt == html.ErrorToken {
			if z.Err() != io.EOF {
				return 0
			}
			break
		}
		raw := len(z.Raw())
		switch tt {
		case html.StartTagToken:
			name, _ := z.TagName()
			if atom.Lookup(name) == atom.Script {
				inScript = true
			}
		case html.EndTagToken:
			name, _ := z.TagName()
			if inScript && atom.Lookup(name) == atom.Script {
				covered += raw
				inScript = false
				continue
			}
		}
		if inScript {
			covered += raw
		}
	}
	return covered * 100 / len(body)
}

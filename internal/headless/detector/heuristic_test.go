package detector

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHeuristic_IsShell_EmptyBody(t *testing.T) {
	t.Parallel()

	h := NewHeuristic(100)
	require.True(t, h.IsShell([]byte("  \n")))
}

func TestHeuristic_IsShell_SPAMarkers(t *testing.T) {
	t.Parallel()

	h := NewHeuristic(100)
	require.True(t, h.IsShell([]byte(`<div id="__next"></div>`)))
	require.True(t, h.IsShell([]byte(`<div ID="ROOT"></div>`)))
}

func TestHeuristic_IsShell_ScriptDensity(t *testing.T) {
	t.Parallel()

	h := NewHeuristic(1000)
	require.True(t, h.IsShell([]byte(`<html><script>var a=1;</script><p>t</p></html>`)))
}

func TestHeuristic_IsShell_UnclosedScript(t *testing.T) {
	t.Parallel()

	h := NewHeuristic(1000)
	require.True(t, h.IsShell([]byte(`<html><p>hello</p><script src="app.js">`)))
}

func TestHeuristic_IsShell_RenderedPagePasses(t *testing.T) {
	t.Parallel()

	h := NewHeuristic(0)
	body := `<html><body><div id="root">` + strings.Repeat("<p>Commercial roofing and repairs.</p>", 100) + `</div></body></html>`
	require.False(t, h.IsShell([]byte(body)))
}

func TestHeuristic_IsShell_PlainSmallPage(t *testing.T) {
	t.Parallel()

	h := NewHeuristic(1000)
	require.False(t, h.IsShell([]byte(`<html><body><h1>Acme Plumbing</h1><p>Serving Ohio since 1982.</p></body></html>`)))
}

func TestHeuristic_IsShell_NoscriptNotice(t *testing.T) {
	t.Parallel()

	h := NewHeuristic(1000)
	require.True(t, h.IsShell([]byte(`<html><body><noscript>You need to enable JavaScript to run this app.</noscript></body></html>`)))
}

func TestScriptShare(t *testing.T) {
	t.Parallel()

	require.Equal(t, 0, scriptShare([]byte(`<p>no scripts here</p>`)))
	require.Equal(t, 100, scriptShare([]byte(`<script>x()</script>`)))
	require.Equal(t, 50, scriptShare([]byte(`<script></script><b>0123456789</b>`)))
}

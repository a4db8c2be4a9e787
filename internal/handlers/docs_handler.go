// -----------------------------------------------------------------------
// Docs Handler - rendered API guide
// -----------------------------------------------------------------------

package handlers

import (
	"bytes"
	_ "embed"
	"fmt"
	"net/http"

	"github.com/ternarybob/arbor"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
)

//go:embed apidocs.md
var apidocsMarkdown []byte

const docsShell = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>Trawl API</title>
<style>
body { font-family: -apple-system, BlinkMacSystemFont, "Segoe UI", sans-serif;
       max-width: 860px; margin: 2rem auto; padding: 0 1rem; line-height: 1.6; color: #1a1a1a; }
pre { background: #f6f8fa; padding: 1rem; border-radius: 6px; overflow-x: auto; }
code { background: #f6f8fa; padding: 0.1em 0.3em; border-radius: 3px; font-size: 0.92em; }
pre code { padding: 0; }
h1, h2 { border-bottom: 1px solid #e1e4e8; padding-bottom: 0.3em; }
a { color: #0366d6; }
</style>
</head>
<body>
%s
</body>
</html>`

// DocsHandler serves the API guide, rendered from markdown once at
// startup.
type DocsHandler struct {
	html   []byte
	logger arbor.ILogger
}

// NewDocsHandler renders the embedded guide.
func NewDocsHandler(logger arbor.ILogger) (*DocsHandler, error) {
	md := goldmark.New(goldmark.WithExtensions(extension.GFM))
	var buf bytes.Buffer
	if err := md.Convert(apidocsMarkdown, &buf); err != nil {
		return nil, fmt.Errorf("failed to render API docs: %w", err)
	}
	return &DocsHandler{
		html:   []byte(fmt.Sprintf(docsShell, buf.String())),
		logger: logger,
	}, nil
}

// DocsHandler handles GET /docs.
func (h *DocsHandler) DocsHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write(h.html)
}

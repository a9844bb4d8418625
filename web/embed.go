// Package web embeds a small static docs page describing the bridge's
// HTTP surface. It's mounted under /docs — the root path itself is
// the JSON discovery endpoint, not a SPA, so there's no client-side
// route fallback to serve here.
package web

import (
	"embed"
	"io/fs"
	"net/http"
)

//go:embed all:docs
var docsFS embed.FS

// DocsHandler returns an http.Handler serving the embedded docs page.
func DocsHandler() http.Handler {
	subFS, err := fs.Sub(docsFS, "docs")
	if err != nil {
		panic("web: failed to create sub filesystem: " + err.Error())
	}
	return http.FileServer(http.FS(subFS))
}

// Package web embeds the bridge's browser client. The client is a single page
// that speaks the bridge WebSocket protocol; it has no build step.
package web

import (
	"embed"
	"io/fs"
	"net/http"
	"path"
)

//go:embed all:dist
var distFS embed.FS

const indexFile = "index.html"

// SPAHandler serves the embedded client. Paths that do not name an embedded file
// get index.html so client-side routes survive a reload.
func SPAHandler() http.Handler {
	site, err := fs.Sub(distFS, "dist")
	if err != nil {
		panic("web: embedded client missing: " + err.Error())
	}
	files := http.FileServerFS(site)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name := path.Clean(r.URL.Path)[1:]
		if name == "" || name == indexFile {
			serveIndex(w, r, site)
			return
		}
		if _, err := fs.Stat(site, name); err != nil {
			serveIndex(w, r, site)
			return
		}
		files.ServeHTTP(w, r)
	})
}

func serveIndex(w http.ResponseWriter, r *http.Request, site fs.FS) {
	// The page changes with the binary.
	w.Header().Set("Cache-Control", "no-cache")
	http.ServeFileFS(w, r, site, indexFile)
}

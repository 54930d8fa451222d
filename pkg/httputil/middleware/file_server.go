package middleware

import (
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/edgeflare/furnace/pkg/httputil"
)

// Static returns an http.Handler that serves files from directory. With
// spaFallback, unknown paths serve index.html; otherwise they get a JSON 404.
//
//	r.Handle("GET /", middleware.Static("public", false))
func Static(directory string, spaFallback bool) http.Handler {
	absDir, err := filepath.Abs(directory)
	if err != nil {
		absDir = filepath.Clean(directory)
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := strings.TrimPrefix(r.URL.Path, "/")
		requestedPath := filepath.Join(absDir, filepath.Clean("/"+path))
		if !isSubPath(absDir, requestedPath) {
			httputil.Error(w, http.StatusForbidden, "forbidden")
			return
		}

		fileInfo, err := os.Stat(requestedPath)
		if err == nil && fileInfo.IsDir() {
			requestedPath = filepath.Join(requestedPath, "index.html")
			fileInfo, err = os.Stat(requestedPath)
		}
		if err != nil && spaFallback {
			requestedPath = filepath.Join(absDir, "index.html")
			fileInfo, err = os.Stat(requestedPath)
		}
		if err != nil || fileInfo.IsDir() {
			httputil.Error(w, http.StatusNotFound, "not found")
			return
		}

		setContentType(w, requestedPath)
		http.ServeFile(w, r, requestedPath)
	})
}

// isSubPath checks if a path is a subdirectory of the base directory.
func isSubPath(baseDir, path string) bool {
	rel, err := filepath.Rel(baseDir, path)
	return err == nil && !strings.HasPrefix(rel, "..")
}

// setContentType sets the Content-Type header based on the file extension.
func setContentType(w http.ResponseWriter, filePath string) {
	if ext := filepath.Ext(filePath); ext != "" {
		if ct := mime.TypeByExtension(ext); ct != "" {
			w.Header().Set("Content-Type", ct)
		}
	}
}

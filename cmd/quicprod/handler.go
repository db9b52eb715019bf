package main

import (
	"io"
	"mime"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/Intelligent-Intern/quicpro-go/pkg/httpx"
)

// fileHandler serves a directory tree. HTML documents get the configured
// Link preload hints flushed as a 103 before the file is read, so clients
// can start fetching subresources during disk I/O.
type fileHandler struct {
	root  string
	hints []string
}

func newFileHandler(root string, hints []string) httpx.Handler {
	return &fileHandler{root: root, hints: hints}
}

func (h *fileHandler) ServeRequest(b *httpx.ResponseBuilder, r *httpx.Request) {
	if r.Method != "GET" && r.Method != "HEAD" {
		b.Header().Set("Allow", "GET, HEAD")
		_ = b.WriteHeader(405)
		return
	}

	// The request target carries the raw query string; only the path
	// component addresses the filesystem.
	target := r.Path
	if i := strings.IndexByte(target, '?'); i >= 0 {
		target = target[:i]
	}

	rel := path.Clean("/" + target)
	if rel == "/" {
		rel = "/index.html"
	}
	name := filepath.Join(h.root, filepath.FromSlash(rel))
	if !strings.HasPrefix(name, filepath.Clean(h.root)+string(os.PathSeparator)) {
		_ = b.WriteHeader(403)
		return
	}

	f, err := os.Open(name)
	if err != nil {
		_ = b.WriteHeader(404)
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil || info.IsDir() {
		_ = b.WriteHeader(404)
		return
	}

	contentType := mime.TypeByExtension(filepath.Ext(name))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	if len(h.hints) > 0 && strings.HasPrefix(contentType, "text/html") {
		if err := b.SendEarlyHints(h.hints); err != nil {
			return
		}
	}

	b.Header().Set("Content-Type", contentType)
	b.Header().Set("Content-Length", strconv.FormatInt(info.Size(), 10))

	if r.Method == "HEAD" {
		_ = b.WriteHeader(200)
		return
	}

	if err := b.WriteHeader(200); err != nil {
		return
	}
	if _, err := io.Copy(b, f); err != nil {
		log.WithFields(log.Fields{
			"request": r.ID,
			"file":    name,
		}).WithError(err).Debug("Streaming file failed")
	}
}

package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/Intelligent-Intern/quicpro-go/pkg/httpx"
)

type recordStream struct {
	status   int
	body     bytes.Buffer
	finished bool
}

func (s *recordStream) WriteInformational(int, httpx.Header) error { return nil }

func (s *recordStream) WriteFinal(status int, _ httpx.Header) error {
	s.status = status
	return nil
}

func (s *recordStream) WriteBody(p []byte) (int, error) { return s.body.Write(p) }
func (s *recordStream) WriteTrailers(httpx.Header) error { return nil }

func (s *recordStream) Finish() error {
	s.finished = true
	return nil
}

func serveFile(t *testing.T, root, target string) *recordStream {
	t.Helper()

	stream := &recordStream{}
	b := httpx.NewResponseBuilder(stream, 0)
	newFileHandler(root, nil).ServeRequest(b, &httpx.Request{
		ID:     httpx.NewID(),
		Method: "GET",
		Path:   target,
	})
	_ = b.Finish()
	return stream
}

func TestFileHandlerStripsQueryString(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "index.html"), []byte("<html/>"), 0644); err != nil {
		t.Fatal(err)
	}

	if stream := serveFile(t, root, "/index.html?v=1"); stream.status != 200 || stream.body.String() != "<html/>" {
		t.Errorf("query-suffixed target got %d %q, expected the file", stream.status, stream.body.String())
	}
	if stream := serveFile(t, root, "/?v=1"); stream.status != 200 {
		t.Errorf("query-suffixed root got %d, expected 200", stream.status)
	}
}

func TestFileHandlerRejectsTraversal(t *testing.T) {
	root := t.TempDir()
	if stream := serveFile(t, root, "/../etc/passwd"); stream.status == 200 {
		t.Error("a traversal target must not be served")
	}
}

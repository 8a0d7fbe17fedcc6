package httpd

import (
	"bytes"
	"strings"
	"testing"

	"kernel32/internal/neterr"
)

type fakeVolume struct {
	files map[string][]byte
}

func (f *fakeVolume) ReadAll(path string) ([]byte, *neterr.Error) {
	b, ok := f.files[path]
	if !ok {
		return nil, neterr.New(neterr.NotFound, "no such file")
	}
	return b, nil
}

func TestHandleRequestServesIndexWithTrailingNewlineTrimmed(t *testing.T) {
	Mount(&fakeVolume{files: map[string][]byte{
		"/index.html": []byte("<html>hi</html>\n"),
	}})

	resp := HandleRequest([]byte("GET / HTTP/1.1\r\n\r\n"))
	s := string(resp)

	if !strings.HasPrefix(s, "HTTP/1.1 200 OK\r\n") {
		t.Fatalf("expected a 200 OK status line; got %q", s)
	}
	if !strings.Contains(s, "Content-Length: 15\r\n") {
		t.Fatalf("expected Content-Length to reflect the trimmed body; got %q", s)
	}
	if !strings.HasSuffix(s, "<html>hi</html>") {
		t.Fatalf("expected the trailing newline to be trimmed from the body; got %q", s)
	}
}

func TestHandleRequestReturns404WhenFileMissing(t *testing.T) {
	Mount(&fakeVolume{files: map[string][]byte{}})

	resp := HandleRequest([]byte("GET / HTTP/1.1\r\n\r\n"))
	if !strings.HasPrefix(string(resp), "HTTP/1.1 404 Not Found\r\n") {
		t.Fatalf("expected a 404 response; got %q", resp)
	}
}

func TestHandleRequestReturns404WhenNoVolumeMounted(t *testing.T) {
	Mount(nil)

	resp := HandleRequest([]byte("GET / HTTP/1.1\r\n\r\n"))
	if !bytes.HasPrefix(resp, []byte("HTTP/1.1 404 Not Found\r\n")) {
		t.Fatalf("expected a 404 response when unmounted; got %q", resp)
	}
}

func TestHandleRequestDoesNotTrimNonNewlineBody(t *testing.T) {
	Mount(&fakeVolume{files: map[string][]byte{
		"/index.html": []byte("no newline here"),
	}})

	resp := HandleRequest([]byte("GET / HTTP/1.1\r\n\r\n"))
	if !strings.HasSuffix(string(resp), "no newline here") {
		t.Fatalf("expected the body to be preserved unchanged; got %q", resp)
	}
}

func TestHandleRequestServesIndexHTMLPathExplicitly(t *testing.T) {
	Mount(&fakeVolume{files: map[string][]byte{
		"/index.html": []byte("hello"),
	}})

	resp := HandleRequest([]byte("GET /index.html HTTP/1.1\r\n\r\n"))
	if !strings.HasSuffix(string(resp), "hello") {
		t.Fatalf("expected /index.html to serve the same file as /; got %q", resp)
	}
}

func TestHandleRequestServesMetrics(t *testing.T) {
	Mount(&fakeVolume{files: map[string][]byte{}})

	resp := HandleRequest([]byte("GET /metrics HTTP/1.1\r\n\r\n"))
	s := string(resp)
	if !strings.HasPrefix(s, "HTTP/1.1 200 OK\r\n") {
		t.Fatalf("expected a 200 OK status line for /metrics; got %q", s)
	}
	if !strings.Contains(s, "kernel32_") {
		t.Fatalf("expected the body to contain a kernel32_-namespaced metric; got %q", s)
	}
}

func TestHandleRequestReturns404ForUnknownPath(t *testing.T) {
	Mount(&fakeVolume{files: map[string][]byte{
		"/index.html": []byte("hello"),
	}})

	resp := HandleRequest([]byte("GET /nope HTTP/1.1\r\n\r\n"))
	if !strings.HasPrefix(string(resp), "HTTP/1.1 404 Not Found\r\n") {
		t.Fatalf("expected a 404 response for an unrouted path; got %q", resp)
	}
}

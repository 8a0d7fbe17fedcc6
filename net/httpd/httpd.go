// Package httpd builds the kernel's HTTP responses: a GET for "/" or
// "/index.html" served straight out of the FAT32 volume, a GET for
// "/metrics" rendering the kernel's Prometheus counters, or a canned 404.
// There is no router, no method other than GET, and no keep-alive; every
// response closes the connection, matching handle_http_request's scope.
package httpd

import (
	"bytes"

	"kernel32/internal/neterr"
	"kernel32/internal/stats"
	"kernel32/kernel/kfmt"
)

const indexPath = "/index.html"
const metricsPath = "/metrics"

const notFoundResponse = "HTTP/1.1 404 Not Found\r\n" +
	"Content-Type: text/plain\r\n" +
	"Content-Length: 9\r\n" +
	"Connection: close\r\n\r\n" +
	"Not Found"

// FileReader is the subset of fs/fat32's mounted volume this package needs:
// find a path and read it whole. Kept as an interface so tests can serve
// canned content without a real volume mounted.
type FileReader interface {
	ReadAll(path string) ([]byte, *neterr.Error)
}

var volume FileReader

// Mount installs the FAT32 volume responses are served from. Called once
// at boot after fs/fat32.Mount succeeds.
func Mount(v FileReader) {
	volume = v
}

// HandleRequest builds a complete HTTP response for a raw GET request's
// bytes, matching handle_http_request's control flow: the request line's
// path selects between the mounted FAT32 volume and the metrics renderer; a
// missing file or an unrecognized path gets a 404.
func HandleRequest(request []byte) []byte {
	switch requestPath(request) {
	case "/", indexPath:
		return serveFile(indexPath, "text/html")
	case metricsPath:
		return serveMetrics()
	default:
		return []byte(notFoundResponse)
	}
}

// requestPath extracts the path token from a request line of the form
// "GET <path> HTTP/1.1". An empty string is returned if the line is
// malformed; callers treat that the same as an unroutable path.
func requestPath(request []byte) string {
	if !bytes.HasPrefix(request, []byte("GET ")) {
		return ""
	}

	rest := request[len("GET "):]
	end := bytes.IndexByte(rest, ' ')
	if end < 0 {
		return ""
	}
	return string(rest[:end])
}

// serveFile reads path from the mounted volume, trims a single trailing
// newline (matching handle_http_request's file-serving branch) and wraps it
// in a Content-Length-bearing 200 response.
func serveFile(path, contentType string) []byte {
	if volume == nil {
		return []byte(notFoundResponse)
	}

	body, err := volume.ReadAll(path)
	if err != nil {
		return []byte(notFoundResponse)
	}

	if n := len(body); n > 0 && body[n-1] == 0x0A {
		body = body[:n-1]
	}

	return buildResponse(contentType, body)
}

// serveMetrics renders every registered counter/gauge in the Prometheus
// text exposition format, the HTTP surface internal/stats.Render exists for.
func serveMetrics() []byte {
	var body bytes.Buffer
	if err := stats.Render(&body); err != nil {
		return []byte(notFoundResponse)
	}
	return buildResponse("text/plain; version=0.0.4", body.Bytes())
}

func buildResponse(contentType string, body []byte) []byte {
	var buf bytes.Buffer
	kfmt.Fprintf(&buf, "HTTP/1.1 200 OK\r\n"+
		"Content-Type: %s\r\n"+
		"Content-Length: %d\r\n"+
		"Connection: close\r\n\r\n",
		contentType, len(body))
	buf.Write(body)
	return buf.Bytes()
}

// Package sniff implements the Transport Inspector: given a duplex
// stream, classify its initial bytes as HTTP/1, HTTP/2, or Unknown
// without consuming them, so that an HTTP-encapsulated tunnel can
// split pooled connections per {authority, path}.
package sniff

import (
	"bufio"
	"io"
	"net/http"
	"strings"
)

// http2Preface is the fixed connection preface every HTTP/2 client
// sends before any frame (RFC 9113 §3.4).
const http2Preface = "PRI * HTTP/2.0\r\n\r\nSM\r\n\r\n"

// Kind classifies the protocol observed on a stream's initial bytes.
type Kind int

const (
	Unknown Kind = iota
	HTTP1
	HTTP2
)

func (k Kind) String() string {
	switch k {
	case HTTP1:
		return "http1"
	case HTTP2:
		return "http2"
	default:
		return "unknown"
	}
}

// Result is the outcome of inspecting a stream: its protocol kind,
// plus authority and path when an HTTP/1 request line could be
// parsed (HTTP/2's authority/path require decoding HPACK-compressed
// HEADERS frames, which this peek-only inspector does not attempt —
// http2 streams report Kind only, callers fall back to the
// connection-level :authority they already have from the CONNECT).
type Result struct {
	Kind      Kind
	Authority string
	Path      string
}

// Peek inspects r's initial bytes without consuming them. r must
// support buffered peeking (bufio.Reader.Peek); callers construct one
// around the raw connection before any other read.
func Peek(r *bufio.Reader) (Result, error) {
	preface, err := peekAvailable(r, len(http2Preface))
	if err == nil && len(preface) == len(http2Preface) && string(preface) == http2Preface {
		return Result{Kind: HTTP2}, nil
	}

	// Peek a generous chunk to find the first request line without
	// blocking forever on a slow/partial write; bufio.Reader.Peek
	// never discards what it reads, so the bytes stay available to
	// the real HTTP server afterwards.
	line, err := peekLine(r, 8192)
	if err != nil {
		if err == io.EOF {
			return Result{Kind: Unknown}, nil
		}
		return Result{}, err
	}

	method, target, ok := parseRequestLine(line)
	if !ok {
		return Result{Kind: Unknown}, nil
	}

	authority, path := splitAuthorityPath(method, target)
	return Result{Kind: HTTP1, Authority: authority, Path: path}, nil
}

// peekAvailable forces at least one byte into r's buffer (blocking
// only when nothing has arrived yet) and returns everything r has
// already buffered, up to limit. Unlike calling r.Peek(n) for a fixed
// n, this never blocks waiting for bytes beyond what the underlying
// connection has already delivered in one read — which matters for
// short request lines a client sends in a single write and then
// waits on, with nothing further ever coming.
func peekAvailable(r *bufio.Reader, limit int) ([]byte, error) {
	if _, err := r.Peek(1); err != nil {
		return nil, err
	}
	n := r.Buffered()
	if n > limit {
		n = limit
	}
	return r.Peek(n)
}

func peekLine(r *bufio.Reader, maxLen int) (string, error) {
	for {
		buf, err := peekAvailable(r, maxLen)
		if idx := indexCRLF(buf); idx >= 0 {
			return string(buf[:idx]), nil
		}
		if err != nil {
			if len(buf) == 0 {
				return "", err
			}
			return string(buf), nil
		}
		if len(buf) >= maxLen {
			return string(buf), nil
		}
		// Force the next chunk in: blocks only when the peer
		// genuinely has more of the line still to send.
		if _, err := r.Peek(len(buf) + 1); err != nil {
			return string(buf), nil
		}
	}
}

func indexCRLF(buf []byte) int {
	for i := 0; i+1 < len(buf); i++ {
		if buf[i] == '\r' && buf[i+1] == '\n' {
			return i
		}
	}
	return -1
}

func parseRequestLine(line string) (method, target string, ok bool) {
	parts := strings.Fields(line)
	if len(parts) != 3 || !strings.HasPrefix(parts[2], "HTTP/1") {
		return "", "", false
	}
	if !isKnownMethod(parts[0]) {
		return "", "", false
	}
	return parts[0], parts[1], true
}

func isKnownMethod(m string) bool {
	switch m {
	case http.MethodGet, http.MethodHead, http.MethodPost, http.MethodPut,
		http.MethodPatch, http.MethodDelete, http.MethodConnect,
		http.MethodOptions, http.MethodTrace:
		return true
	}
	return false
}

func splitAuthorityPath(method, target string) (authority, path string) {
	if method == http.MethodConnect {
		return target, ""
	}
	if idx := strings.Index(target, "://"); idx >= 0 {
		rest := target[idx+3:]
		if slash := strings.IndexByte(rest, '/'); slash >= 0 {
			return rest[:slash], rest[slash:]
		}
		return rest, "/"
	}
	return "", target
}

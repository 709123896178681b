package upstream

import (
	"net/http"
	"net/textproto"
	"strings"

	"golang.org/x/net/http/httpguts"
)

// hopHeaders are connection-specific and never forwarded in either
// direction.
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
	"Http2-Settings",
}

// removeHopHeaders deletes hop-by-hop headers, including those named by
// Connection tokens.
func removeHopHeaders(h http.Header) {
	for _, v := range h["Connection"] {
		for _, tok := range strings.Split(v, ",") {
			if tok = textproto.TrimString(tok); tok != "" {
				h.Del(tok)
			}
		}
	}
	for _, name := range hopHeaders {
		h.Del(name)
	}
}

// backendRequestHeader returns the header sent to the backend for a client
// request from clientIP arriving over scheme.
func backendRequestHeader(in http.Header, clientIP, scheme string) http.Header {
	out := in.Clone()
	if out == nil {
		out = make(http.Header)
	}
	removeHopHeaders(out)

	if clientIP != "" {
		if prior := out.Get("X-Forwarded-For"); prior != "" {
			out.Set("X-Forwarded-For", prior+", "+clientIP)
		} else {
			out.Set("X-Forwarded-For", clientIP)
		}
	}
	out.Set("X-Forwarded-Proto", scheme)
	return out
}

// isH2CUpgrade reports whether an HTTP/1.1 request asks for an h2c upgrade:
// Upgrade: h2c, a Connection header naming both Upgrade and HTTP2-Settings,
// and exactly one HTTP2-Settings header.
func isH2CUpgrade(h http.Header) bool {
	if !httpguts.HeaderValuesContainsToken(h["Upgrade"], "h2c") {
		return false
	}
	conn := h["Connection"]
	if !httpguts.HeaderValuesContainsToken(conn, "Upgrade") ||
		!httpguts.HeaderValuesContainsToken(conn, "HTTP2-Settings") {
		return false
	}
	return len(h["Http2-Settings"]) == 1
}

// stripUpgrade removes the h2c upgrade request headers so the request can
// be served as plain HTTP/1.1.
func stripUpgrade(h http.Header) {
	h.Del("Upgrade")
	h.Del("Http2-Settings")

	var kept []string
	for _, v := range h["Connection"] {
		for _, tok := range strings.Split(v, ",") {
			tok = textproto.TrimString(tok)
			if tok == "" || strings.EqualFold(tok, "upgrade") || strings.EqualFold(tok, "http2-settings") {
				continue
			}
			kept = append(kept, tok)
		}
	}
	if len(kept) == 0 {
		h.Del("Connection")
	} else {
		h.Set("Connection", strings.Join(kept, ", "))
	}
}

// validHeaderField reports whether name and value may be sent to an
// HTTP/2 client.
func validHeaderField(name, value string) bool {
	return httpguts.ValidHeaderFieldName(name) && httpguts.ValidHeaderFieldValue(value)
}

func bodyAllowed(method string, status int) bool {
	if method == http.MethodHead {
		return false
	}
	return !(status >= 100 && status < 200) && status != http.StatusNoContent && status != http.StatusNotModified
}

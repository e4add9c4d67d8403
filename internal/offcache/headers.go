package offcache

import (
	"net/http"
	"strings"
)

// SourceHeader names the response header carrying the delivering tier.
const SourceHeader = "X-Offcache"

var hopByHop = []string{
	"Connection", "Proxy-Connection", "Keep-Alive",
	"Proxy-Authenticate", "Proxy-Authorization", "TE",
	"Trailer", "Transfer-Encoding", "Upgrade",
}

// copyHeaders adds src to dst without Host and hop-by-hop fields.
func copyHeaders(dst, src http.Header) {
	for k, vs := range src {
		if strings.EqualFold(k, "Host") {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
	stripHopByHop(dst, src.Get("Connection"))
}

func stripHopByHop(h http.Header, conn string) {
	for _, k := range hopByHop {
		h.Del(k)
	}
	for _, token := range strings.Split(conn, ",") {
		if token = strings.TrimSpace(token); token != "" {
			h.Del(token)
		}
	}
}

func writeEntry(w http.ResponseWriter, ent Entry, src Source) {
	for k, vs := range ent.Header {
		if strings.EqualFold(k, SourceHeader) {
			continue
		}
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	setSourceHeaders(w.Header(), src)
	w.WriteHeader(ent.Status)
	_, _ = w.Write(ent.Body)
}

func setSourceHeaders(h http.Header, src Source) {
	if src != "" {
		h.Set(SourceHeader, string(src))
	}
	// Page scripts can only read custom headers that are explicitly exposed.
	ensureExposedHeader(h, SourceHeader)
}

func ensureExposedHeader(h http.Header, name string) {
	const expose = "Access-Control-Expose-Headers"
	cur := h.Values(expose)
	if len(cur) == 0 {
		h.Set(expose, name)
		return
	}

	merged := strings.Join(cur, ",")
	for _, part := range strings.Split(merged, ",") {
		if strings.EqualFold(strings.TrimSpace(part), name) {
			return
		}
	}
	h.Set(expose, strings.TrimSpace(merged)+", "+name)
}

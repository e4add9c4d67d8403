package offcache

import (
	"hash/crc32"
	"net/http"
	"time"
)

// Entry is a response snapshot stored in a generation.
type Entry struct {
	Status     int
	StatusText string
	Header     http.Header
	Body       []byte
	StoredAt   int64 // unix seconds
	Hash32     uint32
}

// Release is one deployment's asset set: the generation name plus the assets
// that must be present in it before it may serve traffic.
type Release struct {
	Version  string
	Manifest []string
}

// Source tells which tier produced a response.
type Source string

const (
	SourceNetwork  Source = "network"
	SourceCache    Source = "cache"
	SourceFallback Source = "fallback"
	SourceBypass   Source = "bypass"
)

// ResponseType mirrors the fetch response types the controller distinguishes.
// Only basic responses are stored.
type ResponseType string

const (
	ResponseBasic ResponseType = "basic"
	ResponseCORS  ResponseType = "cors"
)

func newEntry(status int, statusText string, header http.Header, body []byte) Entry {
	h := cloneHeader(header)
	h.Del("Content-Length")
	return Entry{
		Status:     status,
		StatusText: statusText,
		Header:     h,
		Body:       body,
		StoredAt:   time.Now().Unix(),
		Hash32:     crc32.ChecksumIEEE(body),
	}
}

func (e Entry) clone() Entry {
	out := e
	out.Header = cloneHeader(e.Header)
	out.Body = append([]byte(nil), e.Body...)
	return out
}

// notFoundEntry is returned when neither the network nor any generation can
// answer a request.
func notFoundEntry() Entry {
	h := make(http.Header)
	h.Set("Content-Type", "text/plain")
	return Entry{
		Status:     http.StatusNotFound,
		StatusText: "Not Found",
		Header:     h,
		Body:       []byte{},
		StoredAt:   time.Now().Unix(),
	}
}

func cloneHeader(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, vs := range h {
		vv := make([]string, len(vs))
		copy(vv, vs)
		out[k] = vv
	}
	return out
}

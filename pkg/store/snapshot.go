package store

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

// ResponseType mirrors the fetch response types the agent distinguishes.
type ResponseType string

const (
	// TypeBasic is a same-origin response whose status and headers are readable.
	TypeBasic ResponseType = "basic"

	// TypeCORS is a cross-origin response exposed through CORS headers.
	TypeCORS ResponseType = "cors"

	// TypeOpaque is a cross-origin response that cannot be inspected.
	TypeOpaque ResponseType = "opaque"

	// TypeOpaqueRedirect is an unfollowed redirect.
	TypeOpaqueRedirect ResponseType = "opaqueredirect"
)

// Snapshot is a stored copy of a response.
type Snapshot struct {
	// URL is the request URL the snapshot answers
	URL string `json:"url"`

	// Method is the request method the snapshot answers
	Method string `json:"method"`

	// StatusCode is the HTTP status code of the response
	StatusCode int `json:"status_code"`

	// Header holds the response headers
	Header http.Header `json:"header"`

	// Body is the full response body
	Body []byte `json:"body"`

	// Type is the response type at the time of storage
	Type ResponseType `json:"type"`

	// StoredAt is when the snapshot was taken
	StoredAt time.Time `json:"stored_at"`
}

// FromResponse duplicates a response: the body is read once, restored on resp
// so the caller can still consume it, and copied into the returned Snapshot.
// The two copies share no buffers.
func FromResponse(resp *http.Response, typ ResponseType) (*Snapshot, error) {
	if resp == nil {
		return nil, fmt.Errorf("response cannot be nil")
	}

	var body []byte
	if resp.Body != nil {
		var err error
		body, err = io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("read response body: %w", err)
		}
	}
	resp.Body = io.NopCloser(bytes.NewReader(body))

	snap := &Snapshot{
		StatusCode: resp.StatusCode,
		Header:     resp.Header.Clone(),
		Body:       bytes.Clone(body),
		Type:       typ,
		StoredAt:   time.Now().UTC(),
	}
	if snap.Header == nil {
		snap.Header = http.Header{}
	}
	if resp.Request != nil && resp.Request.URL != nil {
		snap.URL = resp.Request.URL.String()
		snap.Method = resp.Request.Method
	}
	return snap, nil
}

// Response builds a new response from the snapshot. Every call returns an
// independent body reader.
func (s *Snapshot) Response(req *http.Request) *http.Response {
	header := s.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	return &http.Response{
		Status:        strconv.Itoa(s.StatusCode) + " " + http.StatusText(s.StatusCode),
		StatusCode:    s.StatusCode,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(s.Body)),
		ContentLength: int64(len(s.Body)),
		Request:       req,
	}
}

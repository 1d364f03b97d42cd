package tee

import (
	"bytes"
	"net/http"
	"time"
)

// ResponseSaver is a wrapper around http.ResponseWriter that saves the response to a buffer.
// It optionally writes the response to the underlying http.ResponseWriter.
type ResponseSaver struct {
	rw           http.ResponseWriter
	b            *bytes.Buffer
	header       http.Header
	savedHeader  http.Header
	status       int
	wroteHeaders bool
	writeErr     error
	CreatedAt    time.Time
}

// Implementation of http.ResponseWriter
func (t *ResponseSaver) Header() http.Header {
	return t.header
}

// Implementation of http.ResponseWriter
func (t *ResponseSaver) WriteHeader(statusCode int) {
	if t.wroteHeaders {
		return
	}
	// remember that we wrote the headers
	t.wroteHeaders = true
	// set the status code so we can return it later
	t.status = statusCode
	// snapshot the headers, later changes to the header map have no effect on the response
	t.savedHeader = t.header.Clone()
	// write to underlying http.ResponseWriter if not nil
	if t.rw != nil {
		copyHeader(t.rw.Header(), t.header)
		t.rw.WriteHeader(statusCode)
	}
}

// Implementation of http.ResponseWriter
func (t *ResponseSaver) Write(b []byte) (int, error) {
	// write headers if not already written
	if !t.wroteHeaders {
		t.WriteHeader(http.StatusOK)
	}
	// write to underlying http.ResponseWriter if not nil
	// a client that went away does not stop the response from being saved
	if t.rw != nil && t.writeErr == nil {
		_, t.writeErr = t.rw.Write(b)
	}
	// write to buffer and return written bytes
	return t.b.Write(b)
}

// Body returns the recorded response body.
func (t *ResponseSaver) Body() []byte {
	return t.b.Bytes()
}

// SavedHeader returns the headers as they were when the status was written.
func (t *ResponseSaver) SavedHeader() http.Header {
	if t.savedHeader == nil {
		return t.header.Clone()
	}
	return t.savedHeader
}

// StatusCode returns the status code of the response.
func (t *ResponseSaver) StatusCode() int {
	return t.status
}

// ClientErr returns the first error writing to the underlying http.ResponseWriter.
func (t *ResponseSaver) ClientErr() error {
	return t.writeErr
}

// NewResponseSaver returns a new ResponseSaver.
// If rw is not nil, the response will be written (tee'd) to it in addition to saving to buffer.
func NewResponseSaver(w http.ResponseWriter) *ResponseSaver {
	return &ResponseSaver{
		CreatedAt: time.Now(),
		rw:        w,
		b:         &bytes.Buffer{},
		header:    http.Header{},
	}
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

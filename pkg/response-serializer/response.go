package serializer

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

const storedAtHeaderName = "Shellcache-Stored-At"

// StoredResponse is the part of a response that is kept in a cache table.
type StoredResponse struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	// The value of the clock at the time the response was captured.
	StoredAt time.Time
}

// StoredResponseToBytes returns the HTTP/1.1 representation of the stored response.
// The header is written as-is (no Content-Length is added), so that reading the bytes
// back yields exactly the header that was stored.
func StoredResponseToBytes(sRes StoredResponse) ([]byte, error) {
	if sRes.StatusCode == 0 {
		return nil, fmt.Errorf("Response status code empty")
	}
	buf := &bytes.Buffer{}
	fmt.Fprintf(buf, "HTTP/1.1 %d %s\r\n", sRes.StatusCode, http.StatusText(sRes.StatusCode))

	header := sRes.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	header.Set(storedAtHeaderName, strconv.FormatInt(sRes.StoredAt.UnixNano(), 10))
	if err := header.Write(buf); err != nil {
		return nil, err
	}
	buf.WriteString("\r\n")
	buf.Write(sRes.Body)
	return buf.Bytes(), nil
}

// BytesToStoredResponse parses bytes written by StoredResponseToBytes.
func BytesToStoredResponse(b []byte) (StoredResponse, error) {
	sRes := StoredResponse{}
	res, err := bytesToResponse(b)
	if err != nil {
		return sRes, err
	}
	defer res.Body.Close()

	storedAt, err := strconv.ParseInt(res.Header.Get(storedAtHeaderName), 10, 64)
	if err != nil {
		return sRes, fmt.Errorf("Stored-at header malformed: %w", err)
	}
	res.Header.Del(storedAtHeaderName)

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return sRes, err
	}

	sRes.StatusCode = res.StatusCode
	sRes.Header = res.Header
	sRes.Body = body
	sRes.StoredAt = time.Unix(0, storedAt)
	return sRes, nil
}

// bytesToResponse converts a byte slice to a http.Response.
// The body is delimited by the end of the slice.
func bytesToResponse(b []byte) (*http.Response, error) {
	res, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(b)), nil)
	if err != nil {
		return nil, err
	}
	return res, nil
}

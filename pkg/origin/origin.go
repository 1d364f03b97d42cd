package origin

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog/log"
)

// Origin is where resources come from when they are not cached: the network.
type Origin interface {
	// Fetch executes the request against the origin.
	// An error means no response could be obtained (no connectivity, DNS failure, timeout);
	// error statuses are responses, not errors.
	Fetch(ctx context.Context, r *http.Request) (*http.Response, error)
}

// HTTPOrigin fetches resources from a remote HTTP server.
type HTTPOrigin struct {
	url        url.URL
	host       string
	httpClient http.Client
}

// NewHTTPOrigin creates an origin for the given base URL.
// If host is not empty, it is sent as the Host header.
func NewHTTPOrigin(originURL url.URL, host string, timeout time.Duration) *HTTPOrigin {
	return &HTTPOrigin{
		url:  originURL,
		host: host,
		httpClient: http.Client{
			Timeout: timeout,
			// do not follow redirects
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

// Fetch the resource specified in the incoming request from the origin.
func (o *HTTPOrigin) Fetch(ctx context.Context, r *http.Request) (*http.Response, error) {
	uri := o.url.String() + r.URL.RequestURI()
	if r.URL.IsAbs() {
		uri = r.URL.String()
	}
	// need to specifically set body to nil on the outgoing request if content is zero length
	// see https://github.com/golang/go/issues/16036
	body := r.Body
	if r.ContentLength == 0 {
		body = nil
	}
	req, err := http.NewRequestWithContext(ctx, r.Method, uri, body)
	if err != nil {
		log.Error().Err(err).Str("uri", uri).Msg("Could not create request for fetching")
		return nil, err
	}
	req.ContentLength = r.ContentLength
	if o.host != "" {
		req.Host = o.host
	}
	copyHeader(req.Header, r.Header)
	// do not forward connection header, this causes trouble
	req.Header.Del("Connection")
	log.Trace().Str("uri", uri).Msgf("Executing %s request", req.Method)

	res, err := o.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	// as per https://www.rfc-editor.org/rfc/rfc9110#section-6.6.1-8
	if res.Header.Get("Date") == "" {
		res.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	}
	return res, nil
}

// Handler passes every request straight to the origin.
// It is what serves requests while no version is active.
func Handler(o Origin) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		res, err := o.Fetch(r.Context(), r)
		if err != nil {
			log.Error().Err(err).Str("url", r.URL.String()).Msg("Could not fetch response from origin")
			http.Error(w, "Error contacting origin", http.StatusBadGateway)
			return
		}
		if err := Send(w, res); err != nil {
			log.Error().Err(err).Msg("Error writing to client")
		}
	})
}

// Send writes an origin response to the client and closes its body.
func Send(w http.ResponseWriter, res *http.Response) error {
	if res.Body != nil {
		defer res.Body.Close()
	}
	copyHeader(w.Header(), res.Header)
	w.WriteHeader(res.StatusCode)
	if res.Body == nil {
		return nil
	}
	_, err := io.Copy(w, res.Body)
	return err
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		// this is a warkaround to remove default headers sent by an upstream proxy
		// some servers do not like the presence of these headers in the downstream request
		if k != "X-Forwarded-For" && k != "X-Forwarded-Proto" && k != "X-Forwarded-Host" {
			for _, v := range vv {
				dst.Add(k, v)
			}
		}
	}
}

package cachestatus

import "fmt"

// HeaderName is the response header carrying the cache status.
const HeaderName = "Cache-Status"

const cacheName = "Shellcache"

type Status string

const (
	StatusHit Status = "hit"
	StatusFwd Status = "fwd"
)

type FwdReason string

const (
	// The cache was configured to not handle this request.
	FwdReasonBypass FwdReason = "bypass"

	// The request method's semantics require the request to be
	// forwarded.
	FwdReasonMethod FwdReason = "method"

	// The cache did not contain any responses that matched the
	// request URI.
	FwdReasonUriMiss FwdReason = "uri-miss"

	// The cache did not contain any responses that could be used to
	// satisfy this request.
	FwdReasonMiss FwdReason = "miss"
)

type CacheStatus struct {
	Status    Status
	FwdReason FwdReason
	Stored    bool
	detail    string
}

func (cs *CacheStatus) Hit() {
	cs.Status = StatusHit
	cs.FwdReason = ""
}

func (cs *CacheStatus) Forward(reason FwdReason) {
	cs.Status = StatusFwd
	cs.FwdReason = reason
}

func (cs *CacheStatus) Detail(detail string) {
	cs.detail = detail
}

func (cs *CacheStatus) String() string {
	status := fmt.Sprintf("%s; %s", cacheName, cs.Status)
	if cs.Status == StatusFwd && cs.FwdReason != "" {
		status = fmt.Sprintf("%s=%s", status, cs.FwdReason)
	}
	if cs.Stored {
		status = status + "; stored"
	}
	if cs.detail != "" {
		status = status + "; detail=" + cs.detail
	}
	return status
}

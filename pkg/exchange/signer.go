package exchange

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

// Param is one query parameter. Parameters are signed in the exact order the
// caller supplies them; the exchange verifies the signature over the raw query
// string, so reordering identical pairs produces a different signature.
type Param struct {
	Key   string
	Value string
}

// SignOptions controls how the freshness parameters are appended. The relative
// position of recvWindow versus timestamp is endpoint-dependent on the real
// exchange, so every call site chooses explicitly instead of relying on a
// uniform rule.
type SignOptions struct {
	RecvWindow      time.Duration // 0 means the signer default
	RecvWindowFirst bool          // append recvWindow before timestamp
	OmitRecvWindow  bool
}

// SignedRequest is the artifact handed to the REST transport. Built fresh per
// call and never reused: the embedded timestamp goes stale.
type SignedRequest struct {
	Method      string
	Endpoint    string
	Params      []Param
	Timestamp   int64
	RecvWindow  int64 // ms, 0 when omitted
	Signature   string
	QueryString string // includes signature as the last parameter
}

// URL joins the request onto a base URL.
func (r *SignedRequest) URL(baseURL string) string {
	return baseURL + r.Endpoint + "?" + r.QueryString
}

// Signer produces deterministic HMAC-SHA256 signed query strings. It performs
// no network I/O; timestamps come from the drift-corrected clock.
type Signer struct {
	apiKey     string
	apiSecret  string
	clock      *Clock
	recvWindow time.Duration
}

func NewSigner(apiKey, apiSecret string, clock *Clock, recvWindow time.Duration) *Signer {
	if recvWindow <= 0 {
		recvWindow = 5 * time.Second
	}
	return &Signer{
		apiKey:     apiKey,
		apiSecret:  apiSecret,
		clock:      clock,
		recvWindow: recvWindow,
	}
}

func (s *Signer) APIKey() string { return s.apiKey }

// BuildQueryString joins parameters in caller insertion order, skipping keys
// whose value is empty. Values are URL-encoded with spaces as %20.
func BuildQueryString(params []Param) string {
	var sb strings.Builder
	for _, p := range params {
		if p.Value == "" {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteByte('&')
		}
		sb.WriteString(p.Key)
		sb.WriteByte('=')
		sb.WriteString(encodeValue(p.Value))
	}
	return sb.String()
}

// encodeValue escapes a parameter value. url.QueryEscape encodes spaces as
// '+', which the exchange rejects inside signed payloads, hence the rewrite.
func encodeValue(v string) string {
	return strings.ReplaceAll(url.QueryEscape(v), "+", "%20")
}

// Sign appends the freshness parameters to the business parameters, signs the
// resulting query string, and appends the signature as the final parameter.
func (s *Signer) Sign(method, endpoint string, params []Param, opts SignOptions) *SignedRequest {
	recvWindow := opts.RecvWindow
	if recvWindow <= 0 {
		recvWindow = s.recvWindow
	}
	timestamp := s.clock.Now()

	all := make([]Param, 0, len(params)+2)
	all = append(all, params...)

	recvParam := Param{Key: "recvWindow", Value: strconv.FormatInt(recvWindow.Milliseconds(), 10)}
	tsParam := Param{Key: "timestamp", Value: strconv.FormatInt(timestamp, 10)}

	switch {
	case opts.OmitRecvWindow:
		all = append(all, tsParam)
	case opts.RecvWindowFirst:
		all = append(all, recvParam, tsParam)
	default:
		all = append(all, tsParam, recvParam)
	}

	query := BuildQueryString(all)
	signature := s.signPayload(query)

	req := &SignedRequest{
		Method:      method,
		Endpoint:    endpoint,
		Params:      all,
		Timestamp:   timestamp,
		Signature:   signature,
		QueryString: query + "&signature=" + signature,
	}
	if !opts.OmitRecvWindow {
		req.RecvWindow = recvWindow.Milliseconds()
	}
	return req
}

func (s *Signer) signPayload(payload string) string {
	h := hmac.New(sha256.New, []byte(s.apiSecret))
	h.Write([]byte(payload))
	return hex.EncodeToString(h.Sum(nil))
}

func (s *Signer) SignGET(endpoint string, params []Param, opts SignOptions) *SignedRequest {
	return s.Sign(http.MethodGet, endpoint, params, opts)
}

func (s *Signer) SignPOST(endpoint string, params []Param, opts SignOptions) *SignedRequest {
	return s.Sign(http.MethodPost, endpoint, params, opts)
}

func (s *Signer) SignPUT(endpoint string, params []Param, opts SignOptions) *SignedRequest {
	return s.Sign(http.MethodPut, endpoint, params, opts)
}

func (s *Signer) SignDELETE(endpoint string, params []Param, opts SignOptions) *SignedRequest {
	return s.Sign(http.MethodDelete, endpoint, params, opts)
}

// orderIDSeq disambiguates IDs minted within the same millisecond.
var orderIDSeq atomic.Uint32

const maxClientOrderIDLen = 36

// NewClientOrderID returns "prefix_epochMs_suffix" where the suffix is a
// base36 blend of random bytes and a process-wide counter. IDs stay within
// the exchange's 36-character limit and [a-zA-Z0-9_-] character set.
func NewClientOrderID(prefix string) string {
	prefix = sanitizeIDPrefix(prefix)
	epoch := strconv.FormatInt(time.Now().UnixMilli(), 10)

	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		binary.BigEndian.PutUint32(b[:], uint32(time.Now().UnixNano()))
	}
	seq := orderIDSeq.Add(1)
	suffix := strconv.FormatUint(uint64(binary.BigEndian.Uint32(b[:]))<<16|uint64(seq&0xffff), 36)

	id := prefix + "_" + epoch + "_" + suffix
	if len(id) > maxClientOrderIDLen {
		id = id[:maxClientOrderIDLen]
	}
	return id
}

func sanitizeIDPrefix(prefix string) string {
	if prefix == "" {
		return "gr"
	}
	var sb strings.Builder
	for _, r := range prefix {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			sb.WriteRune(r)
		}
	}
	out := sb.String()
	if out == "" {
		return "gr"
	}
	if len(out) > 8 {
		out = out[:8]
	}
	return out
}

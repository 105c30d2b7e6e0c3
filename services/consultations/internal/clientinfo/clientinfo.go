// Package clientinfo derives a best-effort identity for anonymous callers
// from proxy and browser headers.
package clientinfo

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"net/http"
	"strings"
)

// Unknown is used for any header that is absent.
const Unknown = "unknown"

// Proxy headers consulted for the caller address, in priority order. Only the
// first entry of X-Forwarded-For is used.
var ipHeaders = []string{
	"X-Forwarded-For",
	"X-Real-IP",
	"CF-Connecting-IP",
	"X-Client-IP",
	"True-Client-IP",
}

type ClientInfo struct {
	IPAddress   string
	UserAgent   string
	Fingerprint string
}

type Extractor struct {
	secret []byte
}

// NewExtractor returns an extractor producing reversible base64 fingerprints
// when secret is empty, and hex HMAC-SHA256 fingerprints otherwise.
func NewExtractor(secret string) *Extractor {
	e := &Extractor{}
	if secret != "" {
		e.secret = []byte(secret)
	}
	return e
}

// Extract never fails; missing headers become Unknown.
func (e *Extractor) Extract(h http.Header) ClientInfo {
	ip := clientIP(h)
	ua := strings.TrimSpace(h.Get("User-Agent"))
	if ua == "" {
		ua = Unknown
	}
	return ClientInfo{
		IPAddress:   ip,
		UserAgent:   ua,
		Fingerprint: e.fingerprint(ip, ua),
	}
}

func (e *Extractor) fingerprint(ip, ua string) string {
	if e.secret == nil {
		return base64.StdEncoding.EncodeToString([]byte(ip + ua))
	}
	mac := hmac.New(sha256.New, e.secret)
	mac.Write([]byte(ip + ua))
	return hex.EncodeToString(mac.Sum(nil))
}

func clientIP(h http.Header) string {
	for _, name := range ipHeaders {
		v := h.Get(name)
		if v == "" {
			continue
		}
		if name == "X-Forwarded-For" {
			if idx := strings.Index(v, ","); idx != -1 {
				v = v[:idx]
			}
		}
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return Unknown
}

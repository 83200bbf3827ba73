package audit

import (
	"net"
	"net/http"
	"strings"
)

// FromRequest starts an entry carrying the caller address and user agent.
// Actor and role are filled by the caller from its auth context.
func FromRequest(r *http.Request, action, resourceType, resourceID, deviceID string) Entry {
	return Entry{
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		DeviceID:     deviceID,
		IP:           ClientIP(r),
		UserAgent:    userAgent(r),
	}
}

// ClientIP resolves the caller address. The first X-Forwarded-For hop wins,
// then X-Real-IP, then the connection peer.
func ClientIP(r *http.Request) string {
	if r == nil {
		return ""
	}
	for _, header := range []string{"X-Forwarded-For", "X-Real-IP"} {
		value, _, _ := strings.Cut(r.Header.Get(header), ",")
		if value = strings.TrimSpace(value); value != "" {
			return value
		}
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

func userAgent(r *http.Request) string {
	if r == nil {
		return ""
	}
	return r.UserAgent()
}

package utils

import (
	"net/url"
	"strings"
)

// IsValidURL reports whether s is an absolute http(s) or ws(s) url with a host
func IsValidURL(s string) bool {
	u, err := url.Parse(s)
	if err != nil || u.Host == "" {
		return false
	}
	switch u.Scheme {
	case "http", "https", "ws", "wss":
		return true
	}
	return false
}

// ToWebsocketURL converts an HTTP URL to a WebSocket URL
func ToWebsocketURL(u string) string {
	if strings.HasPrefix(u, "https://") {
		return "wss://" + u[8:]
	} else if strings.HasPrefix(u, "http://") {
		return "ws://" + u[7:]
	}
	return u
}

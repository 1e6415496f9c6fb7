package internal

import "strings"

// HomeServerUrl is either an http(s) base URL for a homeserver or the absolute path to a
// unix socket the homeserver listens on.
type HomeServerUrl struct {
	HttpOrUnixStr string
}

func (u HomeServerUrl) IsUnixSocket() bool {
	return strings.HasPrefix(u.HttpOrUnixStr, "/")
}

func (u HomeServerUrl) GetUnixSocket() string {
	if u.IsUnixSocket() {
		return u.HttpOrUnixStr
	}
	return ""
}

func (u HomeServerUrl) GetBaseUrl() string {
	if u.IsUnixSocket() {
		return "http://unix"
	}
	return strings.TrimSuffix(u.HttpOrUnixStr, "/")
}

// Endpoint returns the full URL for a client-server API path e.g /_matrix/client/v3/publicRooms
func (u HomeServerUrl) Endpoint(path string) string {
	return u.GetBaseUrl() + path
}

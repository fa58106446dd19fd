package instance

import "os"

// GetID identifies this process in bridge traffic and logs.
func GetID() string {
	if id := os.Getenv("CIVIC_INSTANCE_ID"); id != "" {
		return id
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "local"
}

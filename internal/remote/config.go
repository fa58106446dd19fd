package remote

import "strings"

// Config is the endpoint and credential set a foreground session pushes
// across the bridge. AccessToken belongs to the signed-in citizen and may be
// empty for anonymous capture.
type Config struct {
	Endpoint    string `json:"endpoint" validate:"required,url"`
	APIKey      string `json:"api_key" validate:"required"`
	AccessToken string `json:"access_token,omitempty"`
	Bucket      string `json:"bucket,omitempty"`
}

// DefaultBucket holds issue photos when the pushed config names none.
const DefaultBucket = "issue-images"

// Configured reports whether enough is known to talk to the remote API.
func (c Config) Configured() bool {
	return strings.TrimSpace(c.Endpoint) != "" && strings.TrimSpace(c.APIKey) != ""
}

func (c Config) baseURL() string {
	return strings.TrimRight(strings.TrimSpace(c.Endpoint), "/")
}

func (c Config) bucket() string {
	if b := strings.TrimSpace(c.Bucket); b != "" {
		return b
	}
	return DefaultBucket
}

// bearer falls back to the API key for anonymous requests.
func (c Config) bearer() string {
	if c.AccessToken != "" {
		return c.AccessToken
	}
	return c.APIKey
}

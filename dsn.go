package sentry_pipeline

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// DSN is a parsed Sentry destination descriptor.
type DSN struct {
	Scheme    string
	PublicKey string
	SecretKey string
	Host      string
	Port      int
	Path      string
	ProjectID string

	// Computed endpoint URLs
	EnvelopeURL string
	StoreURL    string
}

// ParseDSN parses a DSN of the form
// {scheme}://{public_key}[:{secret_key}]@{host}[:{port}]/{path}{project_id}.
func ParseDSN(dsnStr string) (*DSN, error) {
	if dsnStr == "" {
		return nil, fmt.Errorf("DSN is empty")
	}

	u, err := url.Parse(dsnStr)
	if err != nil {
		return nil, fmt.Errorf("the %q DSN is invalid: %w", dsnStr, err)
	}

	if u.Scheme == "" || u.Host == "" || u.Path == "" || u.User == nil || u.User.Username() == "" {
		return nil, fmt.Errorf("the %q DSN must contain a scheme, a host, a user and a path component", dsnStr)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("the scheme of the %q DSN must be either \"http\" or \"https\"", dsnStr)
	}

	publicKey := u.User.Username()
	secretKey, _ := u.User.Password()

	port := 80
	if u.Scheme == "https" {
		port = 443
	}
	if u.Port() != "" {
		if n, err := strconv.Atoi(u.Port()); err == nil {
			port = n
		}
	}

	// The project ID is the last path segment; anything before it is a
	// path prefix (self-hosted installs behind a sub-path).
	segments := strings.Split(strings.Trim(u.Path, "/"), "/")
	projectID := segments[len(segments)-1]
	if projectID == "" {
		return nil, fmt.Errorf("the %q DSN path must contain a project ID", dsnStr)
	}

	path := "/"
	if len(segments) > 1 {
		path = "/" + strings.Join(segments[:len(segments)-1], "/")
	}

	dsn := &DSN{
		Scheme:    u.Scheme,
		PublicKey: publicKey,
		SecretKey: secretKey,
		Host:      u.Hostname(),
		Port:      port,
		Path:      path,
		ProjectID: projectID,
	}
	dsn.EnvelopeURL = dsn.baseEndpointURL() + "/envelope/"
	dsn.StoreURL = dsn.baseEndpointURL() + "/store/"

	return dsn, nil
}

func (d *DSN) baseEndpointURL() string {
	u := fmt.Sprintf("%s://%s", d.Scheme, d.Host)

	if (d.Scheme == "http" && d.Port != 80) || (d.Scheme == "https" && d.Port != 443) {
		u += fmt.Sprintf(":%d", d.Port)
	}

	if d.Path != "" && d.Path != "/" {
		u += strings.TrimSuffix(d.Path, "/")
	}

	return u + fmt.Sprintf("/api/%s", d.ProjectID)
}

// EndpointFor returns the URL events of the given category are posted
// to: the envelope endpoint for envelope-only categories, the legacy
// store endpoint otherwise.
func (d *DSN) EndpointFor(category Category) string {
	if envelopeCategories[category] {
		return d.EnvelopeURL
	}
	return d.StoreURL
}

// AuthHeader builds the X-Sentry-Auth header value.
func (d *DSN) AuthHeader(clientName, clientVersion string) string {
	auth := fmt.Sprintf("Sentry sentry_version=7, sentry_client=%s/%s, sentry_key=%s",
		clientName, clientVersion, d.PublicKey)

	if d.SecretKey != "" {
		auth += fmt.Sprintf(", sentry_secret=%s", d.SecretKey)
	}

	return auth
}

package gateway

import (
	"fmt"
	"net/url"
	"path"
	"strings"
)

// Target is where the chunked content of one upload goes, derived from the upload's
// descriptor http[s]://{host}/{service path}/{bucket}/{key prefix}.
type Target struct {
	Endpoint  string // http[s]://{host}/{service path}/
	Bucket    string
	KeyPrefix string
}

// ParseTarget splits an upload target descriptor.
func ParseTarget(descriptor string) (Target, error) {
	u, err := url.Parse(descriptor)
	if err != nil {
		return Target{}, fmt.Errorf("invalid upload target %q: %w", descriptor, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return Target{}, fmt.Errorf("invalid upload target %q: not an absolute http(s) URL", descriptor)
	}

	segments := strings.FieldsFunc(u.Path, func(r rune) bool { return r == '/' })
	if len(segments) < 2 {
		return Target{}, fmt.Errorf("invalid upload target %q: expected .../{bucket}/{key prefix}", descriptor)
	}

	n := len(segments)
	servicePath := "/"
	if n > 2 {
		servicePath = "/" + strings.Join(segments[:n-2], "/") + "/"
	}

	return Target{
		Endpoint:  u.Scheme + "://" + u.Host + servicePath,
		Bucket:    segments[n-2],
		KeyPrefix: segments[n-1],
	}, nil
}

// Key is the object key for fileName under this target.
func (t Target) Key(fileName string) string {
	return path.Join(t.KeyPrefix, path.Base(strings.ReplaceAll(fileName, "\\", "/")))
}

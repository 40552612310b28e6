package objectclient

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/koushole/bookrag/internal/core"
)

var _ core.Fetcher = (*URLFetcher)(nil)

// URLFetcher resolves document URLs: s3://bucket/key and virtual-hosted S3
// https URLs go through the object client, anything else over plain HTTP.
type URLFetcher struct {
	objects  core.ObjectClient
	http     *http.Client
	maxBytes int64
}

// NewURLFetcher builds a fetcher. objects may be nil when no bucket is
// configured; S3 URLs are then fetched over HTTP like any other URL.
func NewURLFetcher(objects core.ObjectClient, httpClient *http.Client, maxBytes int64) *URLFetcher {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 5 * time.Minute}
	}
	return &URLFetcher{objects: objects, http: httpClient, maxBytes: maxBytes}
}

func (f *URLFetcher) Fetch(ctx context.Context, fileURL string) ([]byte, error) {
	if bucket, key, ok := parseS3URL(fileURL); ok && f.objects != nil {
		return f.objects.GetFile(ctx, bucket, key)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fileURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := f.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", fileURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download %s: status %d", fileURL, resp.StatusCode)
	}

	var body io.Reader = resp.Body
	if f.maxBytes > 0 {
		body = io.LimitReader(resp.Body, f.maxBytes+1)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", fileURL, err)
	}
	if f.maxBytes > 0 && int64(len(data)) > f.maxBytes {
		return nil, fmt.Errorf("download %s: larger than %d bytes", fileURL, f.maxBytes)
	}
	return data, nil
}

// parseS3URL extracts the bucket and key from s3:// and virtual-hosted-style
// URLs such as https://my-bucket.s3.us-east-2.amazonaws.com/path/to/file.pdf.
func parseS3URL(raw string) (bucket, key string, ok bool) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", false
	}
	key = strings.TrimPrefix(u.Path, "/")
	switch u.Scheme {
	case "s3":
		return u.Host, key, u.Host != "" && key != ""
	case "https", "http":
		host := u.Hostname()
		if !strings.HasSuffix(host, ".amazonaws.com") {
			return "", "", false
		}
		i := strings.Index(host, ".s3.")
		if i <= 0 {
			i = strings.Index(host, ".s3-")
		}
		if i <= 0 || key == "" {
			return "", "", false
		}
		return host[:i], key, true
	}
	return "", "", false
}

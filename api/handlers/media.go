package handlers

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"

	"github.com/wa-gateway/backend/internal/model"
)

var (
	errMediaFetch    = errors.New("failed to fetch media")
	errMediaTooLarge = errors.New("media exceeds the size limit")
)

// Media is an attachment resolved from a request.
type Media struct {
	Data      []byte
	Mimetype  string
	Extension string
	FileName  string
}

func detect(data []byte, name string) *Media {
	mt := mimetype.Detect(data)
	return &Media{Data: data, Mimetype: mt.String(), Extension: mt.Extension(), FileName: name}
}

// MediaFetcher loads attachments given by URL or inline base64.
type MediaFetcher struct {
	client   *http.Client
	maxBytes int64
}

// NewMediaFetcher returns a fetcher bounded by timeout and maxBytes.
func NewMediaFetcher(timeout time.Duration, maxBytes int64) *MediaFetcher {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if maxBytes <= 0 {
		maxBytes = 16 << 20
	}
	return &MediaFetcher{
		client:   &http.Client{Timeout: timeout},
		maxBytes: maxBytes,
	}
}

// Resolve returns the attachment from rawURL, or from encoded when no URL
// is given. field names the request field in validation errors.
func (f *MediaFetcher) Resolve(ctx context.Context, field, rawURL, encoded string) (*Media, error) {
	switch {
	case rawURL != "":
		return f.Fetch(ctx, field, rawURL)
	case encoded != "":
		return f.Decode(field, encoded)
	}
	return nil, &model.ValidationError{Field: field, Reason: "a URL or base64 content is required"}
}

// Fetch downloads rawURL. The file name defaults to the URL's base name.
func (f *MediaFetcher) Fetch(ctx context.Context, field, rawURL string) (*Media, error) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, &model.ValidationError{Field: field, Reason: "must be an http or https URL"}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errMediaFetch, err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errMediaFetch, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: %s returned %d", errMediaFetch, u.Host, resp.StatusCode)
	}
	if resp.ContentLength > f.maxBytes {
		return nil, fmt.Errorf("%w: %d bytes", errMediaTooLarge, resp.ContentLength)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errMediaFetch, err)
	}
	if int64(len(data)) > f.maxBytes {
		return nil, fmt.Errorf("%w: over %d bytes", errMediaTooLarge, f.maxBytes)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty body", errMediaFetch)
	}

	name := path.Base(u.Path)
	if name == "." || name == "/" {
		name = ""
	}
	return detect(data, name), nil
}

// Decode reads standard base64, optionally wrapped in a data URL.
func (f *MediaFetcher) Decode(field, encoded string) (*Media, error) {
	if strings.HasPrefix(encoded, "data:") {
		if _, after, ok := strings.Cut(encoded, ","); ok {
			encoded = after
		}
	}
	if int64(base64.StdEncoding.DecodedLen(len(encoded))) > f.maxBytes+2 {
		return nil, errMediaTooLarge
	}
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, &model.ValidationError{Field: field, Reason: "invalid base64 content"}
	}
	if len(data) == 0 {
		return nil, &model.ValidationError{Field: field, Reason: "must not be empty"}
	}
	if int64(len(data)) > f.maxBytes {
		return nil, errMediaTooLarge
	}
	return detect(data, ""), nil
}

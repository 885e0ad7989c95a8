package fetch

import (
	"context"
	"io"
	"mime"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// MaxImageBytes is the largest image Image will accept.
const MaxImageBytes = 10 << 20

// ImageResult is a downloaded image.
type ImageResult struct {
	URL         string
	Data        []byte
	ContentType string
}

// Image downloads an image. It fails with *Error on a non-2xx status or
// when the payload is not an image.
func Image(ctx context.Context, urlStr string, opts *Options) (*ImageResult, error) {
	if opts == nil {
		opts = DefaultOptions()
	}

	resp, err := get(ctx, urlStr, opts)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, StatusError(urlStr, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxImageBytes+1))
	if err != nil {
		return nil, &Error{
			URL:     urlStr,
			Message: "failed to read image body",
			Cause:   err,
		}
	}
	if len(data) > MaxImageBytes {
		return nil, &Error{URL: urlStr, Message: "image exceeds size limit", permanent: true}
	}
	if len(data) == 0 {
		return nil, &Error{URL: urlStr, Message: "empty image body", permanent: true}
	}

	contentType := imageContentType(resp.Header.Get("Content-Type"), data)
	if contentType == "" {
		return nil, &Error{
			URL:       urlStr,
			Message:   "not an image: " + resp.Header.Get("Content-Type"),
			permanent: true,
		}
	}

	return &ImageResult{URL: urlStr, Data: data, ContentType: contentType}, nil
}

// imageContentType returns the image media type of a response, or "" when it is not an image.
// Servers commonly send application/octet-stream for images, so unlabeled bodies are sniffed.
func imageContentType(header string, data []byte) string {
	mediaType, _, _ := mime.ParseMediaType(header)
	mediaType = strings.ToLower(mediaType)
	if strings.HasPrefix(mediaType, "image/") {
		return mediaType
	}
	if mediaType != "" && mediaType != "application/octet-stream" && mediaType != "binary/octet-stream" {
		return ""
	}

	detected := mimetype.Detect(data)
	if strings.HasPrefix(detected.String(), "image/") {
		mediaType, _, _ = mime.ParseMediaType(detected.String())
		return mediaType
	}
	return ""
}

// IsImageURL reports whether a URL path looks like a common image file.
func IsImageURL(urlStr string) bool {
	lower := strings.ToLower(urlStr)
	if i := strings.IndexAny(lower, "?#"); i >= 0 {
		lower = lower[:i]
	}
	for _, ext := range []string{".jpg", ".jpeg", ".png", ".gif", ".webp", ".avif", ".svg"} {
		if strings.HasSuffix(lower, ext) {
			return true
		}
	}
	return false
}

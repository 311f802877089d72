package content

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"html"
	"io"
	"mime"
	"net/url"
	"path"
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/net/html/charset"

	"github.com/GriffinCanCode/constellation/internal/infrastructure/network"
)

const (
	blankURL = "about:blank"
	crashURL = "about:crash"
	hangURL  = "about:hang"
)

var errMalformedDataURL = errors.New("malformed data URL")

// errorPolicy strips every tag from text interpolated into error pages.
var errorPolicy = bluemonday.StrictPolicy()

const errorTemplate = `<!DOCTYPE html>
<html>
<head><title>Problem loading page</title></head>
<body>
<h1>Unable to load %s</h1>
<p id="reason">%s</p>
</body>
</html>`

// errorPage renders the document shown in place of a failed load.
func errorPage(target, reason string) []byte {
	return []byte(fmt.Sprintf(errorTemplate, errorPolicy.Sanitize(target), errorPolicy.Sanitize(reason)))
}

// render turns a response body into HTML. Text that is not HTML is shown
// preformatted; other media types produce an empty document.
func render(target, mediaType, label string, body []byte) ([]byte, error) {
	if mediaType == "" {
		mediaType, label = network.ContentType("", body)
	}
	switch {
	case mediaType == "text/html" || mediaType == "application/xhtml+xml":
		return decode(body, label)
	case strings.HasPrefix(mediaType, "text/"):
		text, err := decode(body, label)
		if err != nil {
			return nil, err
		}
		title := target
		if u, err := url.Parse(target); err == nil && u.Path != "" {
			title = path.Base(u.Path)
		}
		return []byte("<html><head><title>" + html.EscapeString(title) + "</title></head><body><pre>" +
			html.EscapeString(string(text)) + "</pre></body></html>"), nil
	}
	return []byte("<html><body></body></html>"), nil
}

// decode converts body from the named charset to UTF-8. Unknown labels are
// read as UTF-8.
func decode(body []byte, label string) ([]byte, error) {
	label = strings.ToLower(strings.TrimSpace(label))
	if label == "" || label == "utf-8" || label == "utf8" {
		return body, nil
	}
	r, err := charset.NewReaderLabel(label, bytes.NewReader(body))
	if err != nil {
		return body, nil
	}
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("decode %s body: %w", label, err)
	}
	return out, nil
}

// decodeDataURL splits a data: URL into media type, charset and payload.
func decodeDataURL(raw string) (string, string, []byte, error) {
	rest, ok := strings.CutPrefix(raw, "data:")
	if !ok {
		return "", "", nil, errMalformedDataURL
	}
	meta, data, ok := strings.Cut(rest, ",")
	if !ok {
		return "", "", nil, errMalformedDataURL
	}

	var body []byte
	if m, isBase64 := strings.CutSuffix(meta, ";base64"); isBase64 {
		meta = m
		decoded, err := base64.StdEncoding.DecodeString(data)
		if err != nil {
			return "", "", nil, fmt.Errorf("%w: %v", errMalformedDataURL, err)
		}
		body = decoded
	} else {
		text, err := url.PathUnescape(data)
		if err != nil {
			return "", "", nil, fmt.Errorf("%w: %v", errMalformedDataURL, err)
		}
		body = []byte(text)
	}

	if meta == "" || strings.HasPrefix(meta, ";") {
		meta = "text/plain" + meta
	}
	mediaType, params, err := mime.ParseMediaType(meta)
	if err != nil {
		return "", "", nil, fmt.Errorf("%w: %v", errMalformedDataURL, err)
	}
	return mediaType, params["charset"], body, nil
}

package transport

import (
	"encoding/base64"
	"fmt"
	"mime"
	"net/url"
	"strings"
)

// decodeDataURL decodes a data: URL per RFC 2397. The engine treats
// `data:` schemes as a fake fetch with no network I/O, returning the
// decoded payload as the response content.
func decodeDataURL(raw string) (content []byte, mediaType string, err error) {
	if !strings.HasPrefix(raw, "data:") {
		return nil, "", fmt.Errorf("not a data: url: %s", raw)
	}
	rest := raw[len("data:"):]

	comma := strings.IndexByte(rest, ',')
	if comma < 0 {
		return nil, "", fmt.Errorf("malformed data: url, missing comma: %s", raw)
	}
	meta := rest[:comma]
	data := rest[comma+1:]

	isBase64 := false
	if strings.HasSuffix(meta, ";base64") {
		isBase64 = true
		meta = strings.TrimSuffix(meta, ";base64")
	}
	if meta == "" {
		meta = "text/plain;charset=US-ASCII"
	}
	mediaType = meta

	if isBase64 {
		content, err = base64.StdEncoding.DecodeString(data)
		if err != nil {
			return nil, mediaType, fmt.Errorf("invalid base64 data: url payload: %w", err)
		}
		return content, mediaType, nil
	}

	unescaped, err := url.PathUnescape(data)
	if err != nil {
		return []byte(data), mediaType, nil
	}
	return []byte(unescaped), mediaType, nil
}

// dataURLMimeType parses out just the MIME type portion, ignoring charset
// and other parameters, for setting a Content-Type response header.
func dataURLMimeType(mediaType string) string {
	t, _, err := mime.ParseMediaType(mediaType)
	if err != nil {
		return mediaType
	}
	return t
}

package normalize

import (
	"encoding/json"
	"net/url"
	"strings"
)

// urlKeys are checked in order on every object level.
var urlKeys = []string{
	"url", "imageUrl", "image_url", "videoUrl", "video_url", "output_url", "uri",
	"output", "data", "images", "result", "video", "image", "b64_json",
}

const maxMediaDepth = 4

// MediaURL extracts a URL or data URI from a media provider reply.
// Accepted shapes: a bare string, a JSON string, {url}, {data:[{url}]},
// {data:{imageUrl}}, {images:[{url}]}, {output:[...]} and {b64_json}.
func MediaURL(raw []byte) (string, bool) {
	s := strings.TrimSpace(string(raw))
	if s == "" {
		return "", false
	}
	var v interface{}
	if err := json.Unmarshal([]byte(s), &v); err == nil {
		return findURL(v, "", 0)
	}
	if validMediaURL(s) {
		return s, true
	}
	return "", false
}

func findURL(v interface{}, key string, depth int) (string, bool) {
	if depth > maxMediaDepth {
		return "", false
	}
	switch t := v.(type) {
	case string:
		s := strings.TrimSpace(t)
		if key == "b64_json" && s != "" && !strings.HasPrefix(s, "data:") {
			s = "data:image/png;base64," + s
		}
		if validMediaURL(s) {
			return s, true
		}
	case []interface{}:
		for _, item := range t {
			if u, ok := findURL(item, key, depth+1); ok {
				return u, true
			}
		}
	case map[string]interface{}:
		for _, k := range urlKeys {
			if child, ok := t[k]; ok {
				if u, ok := findURL(child, k, depth+1); ok {
					return u, true
				}
			}
		}
	}
	return "", false
}

// validMediaURL accepts absolute http(s) URLs and non-empty data URIs.
func validMediaURL(s string) bool {
	if s == "" || strings.ContainsAny(s, " \t\r\n") {
		return false
	}
	if strings.HasPrefix(s, "data:") {
		comma := strings.Index(s, ",")
		return comma > len("data:") && comma < len(s)-1
	}
	u, err := url.Parse(s)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

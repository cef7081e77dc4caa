package request

import (
	"strings"

	"ble-http-gateway/internal/model"
)

// Schemes a channel may carry.
const (
	SchemeHTTP  = "http"
	SchemeHTTPS = "https"
)

// Normalize resolves desc into an absolute URL for the given channel scheme.
// A target that already names http:// or https:// is used unchanged.
// Otherwise the Host header is prepended; a missing Host yields a URL with
// an empty authority, which is passed through as is.
func Normalize(desc *model.RequestDescriptor, scheme string) *model.NormalizedRequest {
	nr := &model.NormalizedRequest{
		RequestDescriptor: desc,
		Scheme:            scheme,
	}

	if s, ok := explicitScheme(desc.Target); ok {
		nr.Scheme = s
		nr.URL = desc.Target
		return nr
	}

	nr.URL = scheme + "://" + desc.Header.Get("Host") + desc.Target
	return nr
}

func explicitScheme(target string) (string, bool) {
	for _, s := range []string{SchemeHTTP, SchemeHTTPS} {
		prefix := s + "://"
		if len(target) >= len(prefix) && strings.EqualFold(target[:len(prefix)], prefix) {
			return s, true
		}
	}
	return "", false
}

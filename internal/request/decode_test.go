package request

import (
	"errors"
	"testing"
)

func TestDecode(t *testing.T) {
	desc, err := Decode([]byte("GET /x\r\nHost: example.com\r\n\r\n"))
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if desc.Method != "GET" {
		t.Errorf("Method = %q, want %q", desc.Method, "GET")
	}
	if desc.Target != "/x" {
		t.Errorf("Target = %q, want %q", desc.Target, "/x")
	}
	if got := desc.Header.Get("Host"); got != "example.com" {
		t.Errorf("Header[Host] = %q, want %q", got, "example.com")
	}
	if desc.Body != nil {
		t.Errorf("Body = %q, want nil", desc.Body)
	}
}

func TestDecode_Variants(t *testing.T) {
	tests := []struct {
		name       string
		raw        string
		wantMethod string
		wantTarget string
		wantProto  string
		wantHost   string
		wantBody   string
	}{
		{
			name:       "protocol version",
			raw:        "POST /api HTTP/1.1\r\nHost: a.test\r\nContent-Type: text/plain\r\n\r\nhello",
			wantMethod: "POST", wantTarget: "/api", wantProto: "HTTP/1.1", wantHost: "a.test", wantBody: "hello",
		},
		{
			name:       "bare LF line endings",
			raw:        "GET /lf HTTP/1.0\nhost: b.test\n\n",
			wantMethod: "GET", wantTarget: "/lf", wantProto: "HTTP/1.0", wantHost: "b.test",
		},
		{
			name:       "lowercase host header",
			raw:        "GET /lower\r\nhost: c.test\r\n",
			wantMethod: "GET", wantTarget: "/lower", wantHost: "c.test",
		},
		{
			name:       "absolute target without headers",
			raw:        "GET https://j2x.us/",
			wantMethod: "GET", wantTarget: "https://j2x.us/",
		},
		{
			name:       "leading blank lines",
			raw:        "\r\n\r\nDELETE /item/1 HTTP/1.1\r\nHost: d.test\r\n\r\n",
			wantMethod: "DELETE", wantTarget: "/item/1", wantProto: "HTTP/1.1", wantHost: "d.test",
		},
		{
			name:       "header value with colon",
			raw:        "GET / HTTP/1.1\r\nHost: e.test:8080\r\n\r\n",
			wantMethod: "GET", wantTarget: "/", wantProto: "HTTP/1.1", wantHost: "e.test:8080",
		},
		{
			name:       "line without colon ignored",
			raw:        "GET /skip\r\ngarbage\r\nHost: f.test\r\n\r\n",
			wantMethod: "GET", wantTarget: "/skip", wantHost: "f.test",
		},
		{
			name:       "body keeps blank lines",
			raw:        "PUT /doc\r\nHost: g.test\r\n\r\nline1\r\n\r\nline2",
			wantMethod: "PUT", wantTarget: "/doc", wantHost: "g.test", wantBody: "line1\r\n\r\nline2",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			desc, err := Decode([]byte(tt.raw))
			if err != nil {
				t.Fatalf("Decode() error = %v", err)
			}
			if desc.Method != tt.wantMethod {
				t.Errorf("Method = %q, want %q", desc.Method, tt.wantMethod)
			}
			if desc.Target != tt.wantTarget {
				t.Errorf("Target = %q, want %q", desc.Target, tt.wantTarget)
			}
			if desc.Proto != tt.wantProto {
				t.Errorf("Proto = %q, want %q", desc.Proto, tt.wantProto)
			}
			if got := desc.Header.Get("host"); got != tt.wantHost {
				t.Errorf("Header[host] = %q, want %q", got, tt.wantHost)
			}
			if string(desc.Body) != tt.wantBody {
				t.Errorf("Body = %q, want %q", desc.Body, tt.wantBody)
			}
		})
	}
}

func TestDecode_Malformed(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"empty", ""},
		{"only blank lines", "\r\n\r\n"},
		{"method only", "GET\r\nHost: example.com\r\n\r\n"},
		{"whitespace", "   \t  "},
		{"binary noise", "\x00\x01\x02"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			desc, err := Decode([]byte(tt.raw))
			if !errors.Is(err, ErrMalformedRequest) {
				t.Fatalf("Decode() error = %v, want ErrMalformedRequest", err)
			}
			if desc != nil {
				t.Errorf("Decode() desc = %+v, want nil", desc)
			}
		})
	}
}

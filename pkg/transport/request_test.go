package transport

import (
	"net/url"
	"strings"
	"testing"
)

func TestRequest_Fingerprint(t *testing.T) {
	tests := []struct {
		name string
		req  Request
		want string
	}{
		{
			name: "simple path",
			req:  Request{Path: "/users/usr_1"},
			want: "GET /users/usr_1",
		},
		{
			name: "slashes normalized",
			req:  Request{Method: "get", Path: "groups/grp_1/"},
			want: "GET /groups/grp_1",
		},
		{
			name: "query params sorted",
			req: Request{
				Path:  "/groups/grp_1/members",
				Query: url.Values{"offset": []string{"100"}, "n": []string{"100"}},
			},
			want: "GET /groups/grp_1/members?n=100&offset=100",
		},
		{
			name: "json body with sorted keys",
			req: Request{
				Method: "PUT",
				Path:   "/groups/grp_1/requests/usr_1",
				Body:   map[string]any{"action": "accept", "block": false},
			},
			want: `PUT /groups/grp_1/requests/usr_1#{"action":"accept","block":false}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.req.Fingerprint(); got != tt.want {
				t.Errorf("Fingerprint() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRequest_FingerprintDeterministic(t *testing.T) {
	type banBody struct {
		UserID string `json:"userId"`
		Reason string `json:"reason,omitempty"`
	}

	a := Request{
		Method: "POST",
		Path:   "/groups/grp_1/bans",
		Query:  url.Values{"b": []string{"2"}, "a": []string{"1"}},
		Body:   banBody{UserID: "usr_1"},
	}
	b := Request{
		Method: "POST",
		Path:   "/groups/grp_1/bans",
		Query:  url.Values{"a": []string{"1"}, "b": []string{"2"}},
		Body:   map[string]string{"userId": "usr_1"},
	}

	if a.Fingerprint() != b.Fingerprint() {
		t.Errorf("equivalent requests differ:\n  %s\n  %s", a.Fingerprint(), b.Fingerprint())
	}

	for i := 0; i < 50; i++ {
		if got := a.Fingerprint(); got != a.Fingerprint() {
			t.Fatalf("fingerprint not stable: %s", got)
		}
	}
}

func TestRequest_FingerprintDistinguishes(t *testing.T) {
	base := Request{Path: "/groups/grp_1/members", Query: url.Values{"offset": []string{"0"}}}
	others := []Request{
		{Path: "/groups/grp_2/members", Query: url.Values{"offset": []string{"0"}}},
		{Path: "/groups/grp_1/members", Query: url.Values{"offset": []string{"100"}}},
		{Method: "DELETE", Path: "/groups/grp_1/members", Query: url.Values{"offset": []string{"0"}}},
	}

	for _, o := range others {
		if base.Fingerprint() == o.Fingerprint() {
			t.Errorf("distinct requests share fingerprint %q", o.Fingerprint())
		}
	}
}

func TestResponse_Decode(t *testing.T) {
	resp := &Response{StatusCode: 200, Body: []byte(`{"id":"usr_1"}`)}
	var out struct {
		ID string `json:"id"`
	}
	if err := resp.Decode(&out); err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if out.ID != "usr_1" {
		t.Errorf("ID = %q, want usr_1", out.ID)
	}

	if err := (&Response{StatusCode: 204}).Decode(&out); err == nil {
		t.Error("expected error for empty body")
	}
	if err := (&Response{StatusCode: 200, Body: []byte("{")}).Decode(&out); err == nil {
		t.Error("expected error for malformed body")
	}
}

func TestRequest_FingerprintUnencodableBody(t *testing.T) {
	req := Request{Method: "POST", Path: "/invite/usr_1", Body: map[string]any{"cb": func() {}}}

	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		fp := req.Fingerprint()
		if !strings.HasPrefix(fp, "POST /invite/usr_1#") {
			t.Fatalf("Fingerprint() = %q, want method and path prefix", fp)
		}
		if seen[fp] {
			t.Fatalf("Fingerprint() repeated %q for an unencodable body", fp)
		}
		seen[fp] = true
	}
}

package http

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"
)

func signedRequest(secret string, ts time.Time, userID string) *http.Request {
	params := url.Values{}
	params.Set("user_id", userID)
	params.Set("ts", strconv.FormatInt(ts.Unix(), 10))
	params.Set(SignatureParam, Sign(params, secret))
	return httptest.NewRequest(http.MethodPut, "/api/v1/session?"+params.Encode(), nil)
}

func TestSignedRequestMiddleware(t *testing.T) {
	now := time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)
	handler := SignedRequestMiddleware("secret", func() time.Time { return now })(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	cases := []struct {
		name string
		req  *http.Request
		want int
	}{
		{"валидная подпись", signedRequest("secret", now.Add(-time.Minute), "u1"), http.StatusNoContent},
		{"чужой секрет", signedRequest("other", now, "u1"), http.StatusUnauthorized},
		{"устаревшая подпись", signedRequest("secret", now.Add(-48*time.Hour), "u1"), http.StatusUnauthorized},
		{"без подписи", httptest.NewRequest(http.MethodPut, "/api/v1/session?user_id=u1", nil), http.StatusUnauthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, tc.req)
			if rec.Code != tc.want {
				t.Fatalf("ожидали %d, получили %d", tc.want, rec.Code)
			}
		})
	}
}

func TestSignedRequestRejectsTamperedParams(t *testing.T) {
	now := time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)
	req := signedRequest("secret", now, "u1")
	q := req.URL.Query()
	q.Set("user_id", "u2")
	req.URL.RawQuery = q.Encode()

	rec := httptest.NewRecorder()
	SignedRequestMiddleware("secret", func() time.Time { return now })(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})).ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("подмена user_id должна отклоняться, получили %d", rec.Code)
	}
}

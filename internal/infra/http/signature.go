package http

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

// SignatureParam содержит подпись запроса.
const SignatureParam = "hash"

const maxSignatureAge = 24 * time.Hour

// SignedRequestMiddleware проверяет подпись параметров запроса общим секретом клиента.
// Подписываются все параметры кроме hash, отсортированные и склеенные через перевод строки.
// Параметр ts задаёт время подписи в unix-секундах, старые подписи отклоняются.
func SignedRequestMiddleware(secret string, now func() time.Time) func(http.Handler) http.Handler {
	key := sha256.Sum256([]byte(secret))
	if now == nil {
		now = time.Now
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			params := r.URL.Query()
			if params.Get(SignatureParam) == "" {
				WriteError(w, http.StatusUnauthorized, "подпись отсутствует")
				return
			}
			if !validateSignature(params, key[:]) {
				WriteError(w, http.StatusUnauthorized, "подпись недействительна")
				return
			}
			ts, err := strconv.ParseInt(params.Get("ts"), 10, 64)
			if err != nil || now().Sub(time.Unix(ts, 0)) > maxSignatureAge {
				WriteError(w, http.StatusUnauthorized, "подпись устарела")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Sign возвращает подпись набора параметров. Нужна клиентам и тестам.
func Sign(params url.Values, secret string) string {
	key := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(signatureOf(params, key[:]))
}

func validateSignature(params url.Values, key []byte) bool {
	expected, err := hex.DecodeString(params.Get(SignatureParam))
	if err != nil {
		return false
	}
	return hmac.Equal(signatureOf(params, key), expected)
}

func signatureOf(params url.Values, key []byte) []byte {
	parts := make([]string, 0, len(params))
	for k, values := range params {
		if k == SignatureParam {
			continue
		}
		for _, v := range values {
			parts = append(parts, k+"="+v)
		}
	}
	sort.Strings(parts)
	h := hmac.New(sha256.New, key)
	h.Write([]byte(strings.Join(parts, "\n")))
	return h.Sum(nil)
}

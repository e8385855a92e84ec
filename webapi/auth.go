package webapi

import (
	"context"
	"encoding/base64"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/cloudmailing/cm/metrics"
	"github.com/cloudmailing/cm/ratelimit"
)

// auth checks HTTP basic authentication against a bcrypt hash of the API key.
// The username is ignored.
//
// The last successful Authorization header is cached so we don't bcrypt for
// each request, it is forgotten after 15 minutes. Remote IPs with too many failed
// attempts are refused for a while.
type auth struct {
	keyHash string
	failed  *ratelimit.Limiter

	sync.Mutex
	lastSuccessAuth string
	lastSuccess     time.Time
}

func newAuth(keyHash string) *auth {
	failed := &ratelimit.Limiter{
		Windows: []ratelimit.Window{
			{Duration: time.Minute, Limits: [...]int64{10, 15, 20}},
			{Duration: time.Hour, Limits: [...]int64{50, 75, 100}},
			{Duration: 24 * time.Hour, Limits: [...]int64{100, 150, 200}},
		},
	}
	return &auth{keyHash: strings.TrimSpace(keyHash), failed: failed}
}

// check verifies the credentials of r. On failure, a response is sent and false
// returned.
func (a *auth) check(ctx context.Context, w http.ResponseWriter, r *http.Request) bool {
	log := pkglog.WithContext(ctx)

	respondAuthFail := func() bool {
		w.Header().Set("WWW-Authenticate", `Basic realm="cm api - login with any username and the api key as password"`)
		http.Error(w, "http 401 - unauthorized - login with any username and the api key as password", http.StatusUnauthorized)
		return false
	}

	authResult := "error"
	defer func() {
		metrics.AuthenticationInc("webapi", "httpbasic", authResult)
	}()

	authHdr := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHdr, "Basic ") || a.keyHash == "" {
		return respondAuthFail()
	}

	ip := ratelimit.IP(r.RemoteAddr)
	if !a.failed.CanAdd(ip, time.Now(), 1) {
		authResult = "ratelimited"
		http.Error(w, "http 429 - too many authentication attempts", http.StatusTooManyRequests)
		return false
	}

	a.Lock()
	defer a.Unlock()
	if a.lastSuccessAuth == authHdr && time.Since(a.lastSuccess) < 15*time.Minute {
		authResult = "ok"
		return true
	}

	buf, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(authHdr, "Basic "))
	if err != nil {
		return respondAuthFail()
	}
	_, key, ok := strings.Cut(string(buf), ":")
	if !ok || key == "" {
		return respondAuthFail()
	}
	if err := bcrypt.CompareHashAndPassword([]byte(a.keyHash), []byte(key)); err != nil {
		authResult = "badcreds"
		a.failed.Add(ip, time.Now(), 1)
		log.Info("failed authentication attempt", slog.String("remote", r.RemoteAddr))
		return respondAuthFail()
	}
	a.failed.Reset(ip, time.Now())
	a.lastSuccessAuth = authHdr
	a.lastSuccess = time.Now()
	authResult = "ok"
	return true
}

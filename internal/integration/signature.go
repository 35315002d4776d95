package integration

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/tsunagi-ai/tsunagi/internal/model"
)

// hmacVerifier implements the shared versioned-HMAC webhook scheme:
// sign HMAC-SHA256 over "v0:{timestamp}:{raw body}" and compare in constant
// time. Fathom and SavvyCal both use this shape with their own header names.
type hmacVerifier struct {
	secret          string
	signatureHeader string
	timestampHeader string
	// prefix is stripped from the presented signature before comparison,
	// e.g. "v0=".
	prefix       string
	replayWindow time.Duration
	// insecureSkip disables verification entirely. Development only.
	insecureSkip bool
}

func (v hmacVerifier) Verify(headers http.Header, body []byte, now time.Time) error {
	if v.insecureSkip {
		return nil
	}
	if v.secret == "" {
		return &model.PermanentError{Reason: "webhook secret not configured"}
	}

	ts := headers.Get(v.timestampHeader)
	if ts == "" {
		return &model.PermanentError{Reason: fmt.Sprintf("missing %s header", v.timestampHeader)}
	}
	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return &model.PermanentError{Reason: "malformed signature timestamp", Err: err}
	}
	if d := now.Sub(time.Unix(unix, 0)); d > v.replayWindow || d < -v.replayWindow {
		return &model.PermanentError{Reason: "signature timestamp outside replay window"}
	}

	presented := strings.TrimPrefix(headers.Get(v.signatureHeader), v.prefix)
	if presented == "" {
		return &model.PermanentError{Reason: fmt.Sprintf("missing %s header", v.signatureHeader)}
	}

	mac := hmac.New(sha256.New, []byte(v.secret))
	fmt.Fprintf(mac, "v0:%s:", ts)
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(expected), []byte(presented)) {
		return &model.PermanentError{Reason: "signature mismatch"}
	}
	return nil
}

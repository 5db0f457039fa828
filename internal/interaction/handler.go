// Package interaction receives signed button clicks from the chat workspace
// and turns them into approval decisions.
package interaction

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"marketing-orchestrator/internal/approval"
	"marketing-orchestrator/internal/faults"
	"marketing-orchestrator/internal/telemetry"
)

const (
	headerTimestamp = "X-Slack-Request-Timestamp"
	headerSignature = "X-Slack-Signature"

	maxBodyBytes = 1 << 20
)

var (
	ErrMissingSignature = errors.New("missing signature headers")
	ErrBadSignature     = errors.New("signature mismatch")
	ErrStaleTimestamp   = errors.New("request timestamp outside allowed window")
)

// Resolver applies a decision. *approval.Gate satisfies it.
type Resolver interface {
	Resolve(ctx context.Context, id string, decision approval.Decision, actor string) (approval.Outcome, error)
}

// Handler serves the interaction webhook.
type Handler struct {
	secret   []byte
	maxSkew  time.Duration
	resolver Resolver
	now      func() time.Time
}

// NewHandler verifies requests with secret. maxSkew bounds how old a signed
// timestamp may be; zero disables the check.
func NewHandler(secret string, maxSkew time.Duration, resolver Resolver) *Handler {
	return &Handler{secret: []byte(secret), maxSkew: maxSkew, resolver: resolver, now: time.Now}
}

// Sign computes the v0 signature of body at timestamp ts.
func Sign(secret, ts string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte("v0:" + ts + ":"))
	mac.Write(body)
	return "v0=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks the request signature over the exact raw body.
func (h *Handler) Verify(header http.Header, body []byte) error {
	ts := header.Get(headerTimestamp)
	sig := header.Get(headerSignature)
	if ts == "" || sig == "" || len(h.secret) == 0 {
		return ErrMissingSignature
	}
	expected := Sign(string(h.secret), ts, body)
	if !hmac.Equal([]byte(expected), []byte(sig)) {
		return ErrBadSignature
	}
	if h.maxSkew > 0 {
		secs, err := strconv.ParseInt(ts, 10, 64)
		if err != nil {
			return ErrStaleTimestamp
		}
		age := h.now().Sub(time.Unix(secs, 0))
		if age > h.maxSkew || age < -h.maxSkew {
			return ErrStaleTimestamp
		}
	}
	return nil
}

type payload struct {
	Actions []struct {
		ActionID string `json:"action_id"`
	} `json:"actions"`
	User struct {
		ID       string `json:"id"`
		Username string `json:"username"`
		Name     string `json:"name"`
	} `json:"user"`
}

func (p payload) actor() string {
	switch {
	case p.User.Username != "":
		return p.User.Username
	case p.User.Name != "":
		return p.User.Name
	case p.User.ID != "":
		return p.User.ID
	default:
		return "unknown-user"
	}
}

// decision extracts the verb and approval id from the first action. ok is
// false for actions this handler does not own.
func (p payload) decision() (id string, d approval.Decision, ok bool) {
	if len(p.Actions) == 0 {
		return "", "", false
	}
	actionID := p.Actions[0].ActionID
	switch {
	case strings.HasPrefix(actionID, "approve_"):
		return strings.TrimPrefix(actionID, "approve_"), approval.Approve, true
	case strings.HasPrefix(actionID, "reject_"):
		return strings.TrimPrefix(actionID, "reject_"), approval.Reject, true
	default:
		return "", "", false
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil || len(raw) > maxBodyBytes {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid payload"})
		return
	}

	if err := h.Verify(r.Header, raw); err != nil {
		telemetry.WebhookAuthFailures.WithLabelValues("slack").Inc()
		log.Warn().Err(err).Str("component", "interaction").Str("remote", r.RemoteAddr).Msg("rejected unsigned interaction")
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
		return
	}

	p, err := decode(r.Header.Get("Content-Type"), raw)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid payload"})
		return
	}

	id, decision, ok := p.decision()
	if !ok {
		writeJSON(w, http.StatusOK, map[string]string{"response_action": "clear"})
		return
	}

	actor := p.actor()
	if err := h.resolve(r.Context(), id, decision, actor); err != nil {
		log.Warn().Err(err).Str("component", "interaction").Str("approval_id", id).
			Str("decision", string(decision)).Str("actor", actor).
			Str("kind", faults.Classify(err).String()).Msg("interaction failed")
		writeJSON(w, http.StatusOK, map[string]any{
			"response_action": "errors",
			"errors":          map[string]string{"_error": "Failed to process interaction"},
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"response_action": "clear"})
}

func (h *Handler) resolve(ctx context.Context, id string, decision approval.Decision, actor string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("resolve panic: %v", r)
		}
	}()
	_, err = h.resolver.Resolve(ctx, id, decision, actor)
	return err
}

// decode accepts a form body carrying payload=<json> or a raw JSON body.
func decode(contentType string, raw []byte) (payload, error) {
	var p payload
	mt, _, _ := mime.ParseMediaType(contentType)
	body := raw
	if mt != "application/json" {
		vals, err := url.ParseQuery(string(raw))
		if err != nil {
			return p, err
		}
		body = []byte(vals.Get("payload"))
		if len(body) == 0 {
			body = []byte("{}")
		}
	}
	err := json.Unmarshal(body, &p)
	return p, err
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

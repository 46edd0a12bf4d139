// Package control serves the operator command endpoint: halt, resume,
// flatten and status. Requests are HMAC-signed and checked against a user
// allowlist; every accepted command is audited.
package control

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Rajchodisetti/swapfusion/internal/observ"
	"github.com/Rajchodisetti/swapfusion/internal/session"
)

const maxAudit = 50

// Command is one operator request.
type Command struct {
	UserID  string `json:"user_id"`
	Command string `json:"command"`
	Text    string `json:"text"`
}

// Response is the command result.
type Response struct {
	OK     bool   `json:"ok"`
	Text   string `json:"text"`
	Status any    `json:"status,omitempty"`
}

// AuditEntry records one handled command.
type AuditEntry struct {
	Time    time.Time `json:"time"`
	UserID  string    `json:"user_id"`
	Command string    `json:"command"`
	Args    string    `json:"args,omitempty"`
	Result  string    `json:"result"`
}

// Session is what the handler drives.
type Session interface {
	session.Override
	Status() session.Status
}

type Config struct {
	SigningSecret string
	AllowedUsers  []string
	MaxSkew       time.Duration
	Clock         func() time.Time
}

type Handler struct {
	cfg     Config
	session Session

	mu     sync.Mutex
	nonces map[string]time.Time
	audit  []AuditEntry
}

func NewHandler(cfg Config, s Session) *Handler {
	if cfg.MaxSkew <= 0 {
		cfg.MaxSkew = 5 * time.Minute
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Handler{cfg: cfg, session: s, nonces: make(map[string]time.Time)}
}

// Sign returns the signature header value for body at timestamp ts.
func Sign(secret string, ts int64, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "v0:%d:", ts)
	mac.Write(body)
	return "v0=" + hex.EncodeToString(mac.Sum(nil))
}

func (h *Handler) verify(body []byte, signature, timestamp string) bool {
	if h.cfg.SigningSecret == "" {
		return true
	}
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return false
	}
	now := h.cfg.Clock()
	if d := now.Sub(time.Unix(ts, 0)); d > h.cfg.MaxSkew || d < -h.cfg.MaxSkew {
		return false
	}
	if !hmac.Equal([]byte(Sign(h.cfg.SigningSecret, ts, body)), []byte(signature)) {
		return false
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for n, at := range h.nonces {
		if now.Sub(at) > h.cfg.MaxSkew {
			delete(h.nonces, n)
		}
	}
	nonce := signature + timestamp
	if _, seen := h.nonces[nonce]; seen {
		return false
	}
	h.nonces[nonce] = now
	return true
}

func (h *Handler) allowed(user string) bool {
	if len(h.cfg.AllowedUsers) == 0 {
		return true
	}
	for _, u := range h.cfg.AllowedUsers {
		if u == user {
			return true
		}
	}
	return false
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, 64<<10))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}
	if !h.verify(body, r.Header.Get("X-Signature"), r.Header.Get("X-Timestamp")) {
		observ.IncCounter("control_rejected_total", map[string]string{"reason": "signature"})
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}
	var cmd Command
	if err := json.Unmarshal(body, &cmd); err != nil {
		http.Error(w, "failed to parse command", http.StatusBadRequest)
		return
	}
	if !h.allowed(cmd.UserID) {
		observ.IncCounter("control_rejected_total", map[string]string{"reason": "rbac"})
		writeJSON(w, http.StatusForbidden, Response{Text: "access denied"})
		return
	}

	resp := h.Handle(r.Context(), cmd)
	observ.IncCounter("control_commands_total", map[string]string{"command": cmd.Command, "ok": strconv.FormatBool(resp.OK)})
	code := http.StatusOK
	if !resp.OK {
		code = http.StatusBadRequest
	}
	writeJSON(w, code, resp)
}

// Handle runs one authorized command.
func (h *Handler) Handle(ctx context.Context, cmd Command) Response {
	reason := strings.TrimSpace(cmd.Text)
	if reason == "" {
		reason = "operator"
	}
	var resp Response
	switch strings.TrimPrefix(cmd.Command, "/") {
	case "halt":
		h.session.EmergencyStop(cmd.UserID, reason)
		resp = Response{OK: true, Text: "trading halted"}
	case "resume":
		h.session.Resume(cmd.UserID, reason)
		resp = Response{OK: true, Text: "trading resumed"}
	case "flatten":
		if err := h.session.FlattenAll(ctx, cmd.UserID, reason); err != nil {
			resp = Response{Text: "flatten failed: " + err.Error()}
		} else {
			resp = Response{OK: true, Text: "all positions flattened"}
		}
	case "status":
		st := h.session.Status()
		resp = Response{OK: true, Text: fmt.Sprintf("breaker %s, %d positions, %d open orders",
			st.Risk.Breaker, len(st.Positions), len(st.OpenOrders)), Status: st}
	default:
		return Response{Text: "unknown command; available: halt, resume, flatten, status"}
	}
	h.record(cmd, resp.Text)
	return resp
}

func (h *Handler) record(cmd Command, result string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.audit = append(h.audit, AuditEntry{
		Time:    h.cfg.Clock(),
		UserID:  cmd.UserID,
		Command: cmd.Command,
		Args:    cmd.Text,
		Result:  result,
	})
	if len(h.audit) > maxAudit {
		h.audit = h.audit[len(h.audit)-maxAudit:]
	}
	observ.Log("control_command", map[string]any{"user": cmd.UserID, "command": cmd.Command, "args": cmd.Text, "result": result})
}

// Audit returns the recent commands, oldest first.
func (h *Handler) Audit() []AuditEntry {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]AuditEntry(nil), h.audit...)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/wondertwin-ai/phoneverify/internal/service"
	"github.com/wondertwin-ai/phoneverify/internal/transport"
	"github.com/wondertwin-ai/phoneverify/internal/twin/store"
	"github.com/wondertwin-ai/phoneverify/pkg/twincore"
)

var errTokenRevoked = errors.New("token revoked")

// Token handles GET /sdk/token.
func (h *Handler) Token(w http.ResponseWriter, r *http.Request) {
	p := paramsFrom(r.Context())
	rec, token, err := h.tokens.Issue(h.creds.AppID, p[service.ParamDeviceID])
	if err != nil {
		h.log.Error("issue token", zap.Error(err))
		h.reject(w, r, service.ResultInternalError, "token unavailable")
		return
	}
	h.store.RecordToken(rec)
	h.respond(w, r, service.ResultOK, map[string]any{"token": token})
}

// Verify handles GET /sdk/verify.
func (h *Handler) Verify(w http.ResponseWriter, r *http.Request) {
	p := paramsFrom(r.Context())
	cc, number, ok := h.number(w, r, p)
	if !ok {
		return
	}
	if h.limited(store.Key(cc, number)) {
		h.reject(w, r, service.ResultRequestRejected, "too many verification requests")
		return
	}
	h.outcome(w, r, h.store.Start(store.StartInput{
		CountryCode: cc,
		Number:      number,
		DeviceID:    p[service.ParamDeviceID],
		Language:    p[service.ParamLanguage],
		PushToken:   p[service.ParamPushToken],
	}))
}

// Check handles GET /sdk/verify/check.
func (h *Handler) Check(w http.ResponseWriter, r *http.Request) {
	p := paramsFrom(r.Context())
	cc, number, ok := h.number(w, r, p)
	if !ok {
		return
	}
	h.outcome(w, r, h.store.Check(cc, number, p[service.ParamCode]))
}

// Search handles GET /sdk/verify/search.
func (h *Handler) Search(w http.ResponseWriter, r *http.Request) {
	p := paramsFrom(r.Context())
	cc, number, ok := h.number(w, r, p)
	if !ok {
		return
	}
	h.outcome(w, r, store.Outcome{Result: service.ResultOK, UserStatus: h.store.Status(cc, number)})
}

// Logout handles GET /sdk/verify/logout.
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	p := paramsFrom(r.Context())
	cc, number, ok := h.number(w, r, p)
	if !ok {
		return
	}
	h.outcome(w, r, h.store.Logout(cc, number))
}

// Control handles GET /sdk/verify/control.
func (h *Handler) Control(w http.ResponseWriter, r *http.Request) {
	p := paramsFrom(r.Context())
	cc, number, ok := h.number(w, r, p)
	if !ok {
		return
	}
	h.outcome(w, r, h.store.Control(cc, number, p[service.ParamCommand]))
}

// number validates the country and number parameters, answering
// INVALID_NUMBER when they are unusable.
func (h *Handler) number(w http.ResponseWriter, r *http.Request, p map[string]string) (string, string, bool) {
	cc, number := p[service.ParamCountry], p[service.ParamNumber]
	if !digitsOnly(cc) || !digitsOnly(number) || len(number) < 2 || len(number) > 15 {
		h.reject(w, r, service.ResultInvalidNumber, "invalid phone number")
		return "", "", false
	}
	return cc, number, true
}

func digitsOnly(s string) bool {
	if s == "" {
		return false
	}
	return strings.IndexFunc(s, func(r rune) bool { return r < '0' || r > '9' }) < 0
}

func (h *Handler) outcome(w http.ResponseWriter, r *http.Request, out store.Outcome) {
	fields := map[string]any{}
	if out.UserStatus != "" {
		fields["user_status"] = out.UserStatus
	}
	if out.Message != "" {
		fields["result_message"] = out.Message
	}
	h.respond(w, r, out.Result, fields)
}

func (h *Handler) reject(w http.ResponseWriter, r *http.Request, code service.ResultCode, msg string) {
	h.respond(w, r, code, map[string]any{"result_message": msg})
}

// respond writes a signed answer. Every answer is HTTP 200; the outcome is
// carried in result_code.
func (h *Handler) respond(w http.ResponseWriter, r *http.Request, code service.ResultCode, fields map[string]any) {
	fields["result_code"] = int(code)
	fields["timestamp"] = strconv.FormatInt(time.Now().Unix(), 10)
	body, err := json.Marshal(fields)
	if err != nil {
		twincore.Error(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.metrics.Result(r.URL.Path, code.String())

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set(transport.HeaderSignature, h.signer.SignResponse(body))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

// AdminGetOTP handles GET /admin/otp?country=&number=.
func (h *Handler) AdminGetOTP(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	v, ok := h.store.Pending(q.Get("country"), q.Get("number"))
	if !ok {
		twincore.Error(w, http.StatusNotFound, "no verification for "+store.Key(q.Get("country"), q.Get("number")))
		return
	}
	twincore.JSON(w, http.StatusOK, map[string]any{
		"id":         v.ID,
		"code":       v.Code,
		"status":     v.Status,
		"attempts":   v.Attempts,
		"deliveries": v.Deliveries,
		"expires_at": v.ExpiresAt,
	})
}

// AdminListVerifications handles GET /admin/verifications, optionally
// filtered by ?status=.
func (h *Handler) AdminListVerifications(w http.ResponseWriter, r *http.Request) {
	status := service.UserStatus(r.URL.Query().Get("status"))
	all := h.store.Verifications.List()
	out := make([]store.Verification, 0, len(all))
	for _, v := range all {
		if status == "" || v.Status == status {
			out = append(out, v)
		}
	}
	twincore.JSON(w, http.StatusOK, map[string]any{"verifications": out, "total": len(out)})
}

type numberRequest struct {
	Country string `json:"country"`
	Number  string `json:"number"`
}

// AdminBlacklist handles POST /admin/blacklist.
func (h *Handler) AdminBlacklist(w http.ResponseWriter, r *http.Request) {
	var req numberRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		twincore.Error(w, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}
	if !digitsOnly(req.Country) || !digitsOnly(req.Number) {
		twincore.Error(w, http.StatusBadRequest, "country and number must be digits")
		return
	}
	h.store.AddToBlacklist(req.Country, req.Number)
	twincore.JSON(w, http.StatusOK, map[string]string{"status": "blacklisted", "key": store.Key(req.Country, req.Number)})
}

// AdminUnblacklist handles DELETE /admin/blacklist?country=&number=.
func (h *Handler) AdminUnblacklist(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if !h.store.RemoveFromBlacklist(q.Get("country"), q.Get("number")) {
		twincore.Error(w, http.StatusNotFound, "number is not blacklisted")
		return
	}
	twincore.JSON(w, http.StatusOK, map[string]string{"status": "removed"})
}

// AdminRevokeTokens handles POST /admin/tokens/revoke.
func (h *Handler) AdminRevokeTokens(w http.ResponseWriter, r *http.Request) {
	twincore.JSON(w, http.StatusOK, map[string]any{"status": "revoked", "revoked": h.store.RevokeTokens()})
}

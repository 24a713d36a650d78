// Package handlers implements the HTTP entry points the external timer
// service drives: AoR expiry, administrative deregistration and
// authentication timeout. Each re-enters subscriber state through the CAS
// stores and reports terminations to the HSS.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/treetop-comms/canopy/pkg/hss"
	"github.com/treetop-comms/canopy/pkg/impistore"
	"github.com/treetop-comms/canopy/pkg/logging"
	"github.com/treetop-comms/canopy/pkg/metrics"
	"github.com/treetop-comms/canopy/pkg/store"
	"github.com/treetop-comms/canopy/pkg/subscriber"
)

// maxBodyBytes caps timer callback payloads.
const maxBodyBytes = 1 << 20

// Notifier delivers reg-event notifications to the subscriptions of an
// AoR after its bindings change.
type Notifier interface {
	NotifyRegState(ctx context.Context, aorID string, aor *subscriber.AoR) error
}

// HSSGateway is the slice of the HSS client the handlers use.
type HSSGateway interface {
	NotifyDeregistration(ctx context.Context, impu string, impis []string, reason string) error
	NotifyAuthFailure(ctx context.Context, impu, impi, nonce string) error
}

// TimeoutConfig wires the collaborators shared by the three handlers.
type TimeoutConfig struct {
	SDM       *subscriber.DataManager
	RemoteSDM *subscriber.DataManager
	ImpiStore *impistore.Store
	HSS       HSSGateway
	Notifier  Notifier
	Logger    *logging.Logger
}

func (c *TimeoutConfig) logger() *logging.Logger {
	if c.Logger == nil {
		return logging.Discard()
	}
	return c.Logger
}

// AoRTimeoutHandler handles POST /timers/{aor}: the timer service says the
// AoR's next expiry has passed, so stale bindings and subscriptions are
// dropped and a fully expired registration is reported to the HSS.
type AoRTimeoutHandler struct {
	cfg *TimeoutConfig
}

// NewAoRTimeoutHandler creates the handler.
func NewAoRTimeoutHandler(cfg *TimeoutConfig) *AoRTimeoutHandler {
	return &AoRTimeoutHandler{cfg: cfg}
}

func (h *AoRTimeoutHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	status := h.handle(w, r)
	metrics.TimeoutCallbacksTotal.WithLabelValues("aor_timeout", httpStatusLabel(status)).Inc()
}

func (h *AoRTimeoutHandler) handle(w http.ResponseWriter, r *http.Request) int {
	aorID := strings.TrimPrefix(r.URL.Path, "/timers/")
	if aorID == "" || strings.Contains(aorID, "/") {
		return fail(w, http.StatusBadRequest, "missing AoR identifier")
	}
	logger := h.cfg.logger().WithFields(map[string]interface{}{"aor": aorID})

	var impis []string
	allExpired := false
	aor, err := h.cfg.SDM.UpdateAoR(r.Context(), aorID, func(aor *subscriber.AoR) bool {
		impis = impis[:0]
		for _, b := range aor.Bindings {
			if b.PrivateID != "" {
				impis = append(impis, b.PrivateID)
			}
		}
		allExpired = aor.ExpireStale(time.Now())
		return true
	})
	if err != nil {
		logger.Error("failed to expire AoR", "error", err)
		return fail(w, http.StatusInternalServerError, "store failure")
	}

	mirror(r.Context(), h.cfg.RemoteSDM, aorID, aor, logger)

	if h.cfg.Notifier != nil && !allExpired {
		if err := h.cfg.Notifier.NotifyRegState(r.Context(), aorID, aor); err != nil {
			logger.Warn("failed to notify subscribers", "error", err)
		}
	}

	if allExpired {
		logger.Info("all bindings expired, deregistering with HSS")
		if err := h.cfg.HSS.NotifyDeregistration(r.Context(), aorID, dedupe(impis), hss.DeregReasonExpiry); err != nil {
			logger.Error("failed to notify HSS of deregistration", "error", err)
			return fail(w, http.StatusBadGateway, "hss failure")
		}
	}

	w.WriteHeader(http.StatusOK)
	return http.StatusOK
}

// DeregistrationHandler handles POST /registrations: administrative
// removal of the bindings matching each (AoR, IMPI) pair in the body.
// Terminated flow bindings take their authentication challenges with
// them.
type DeregistrationHandler struct {
	cfg *TimeoutConfig
}

// NewDeregistrationHandler creates the handler.
func NewDeregistrationHandler(cfg *TimeoutConfig) *DeregistrationHandler {
	return &DeregistrationHandler{cfg: cfg}
}

type deregistrationRequest struct {
	Registrations []struct {
		PrimaryIMPU string `json:"primary-impu"`
		IMPI        string `json:"impi"`
	} `json:"registrations"`
}

func (h *DeregistrationHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	status := h.handle(w, r)
	metrics.TimeoutCallbacksTotal.WithLabelValues("deregistration", httpStatusLabel(status)).Inc()
}

func (h *DeregistrationHandler) handle(w http.ResponseWriter, r *http.Request) int {
	notify := r.URL.Query().Get("send-notifications")
	if notify != "true" && notify != "false" {
		return fail(w, http.StatusBadRequest, "send-notifications must be true or false")
	}
	sendNotifications := notify == "true"

	var req deregistrationRequest
	if err := decodeBody(r, &req); err != nil {
		return fail(w, http.StatusBadRequest, "malformed body")
	}
	if len(req.Registrations) == 0 {
		return fail(w, http.StatusBadRequest, "no registrations listed")
	}

	for _, reg := range req.Registrations {
		if reg.PrimaryIMPU == "" {
			return fail(w, http.StatusBadRequest, "registration without primary-impu")
		}
		if status := h.deregister(r.Context(), reg.PrimaryIMPU, reg.IMPI, sendNotifications); status != http.StatusOK {
			return fail(w, status, "deregistration failed")
		}
	}

	w.WriteHeader(http.StatusOK)
	return http.StatusOK
}

// deregister removes the matching bindings of one AoR. An empty IMPI
// matches every non-emergency binding.
func (h *DeregistrationHandler) deregister(ctx context.Context, aorID, impi string, sendNotifications bool) int {
	logger := h.cfg.logger().WithFields(map[string]interface{}{"aor": aorID, "impi": impi})

	type removedBinding struct {
		impi  string
		nonce string
	}
	var removed []removedBinding

	aor, err := h.cfg.SDM.UpdateAoR(ctx, aorID, func(aor *subscriber.AoR) bool {
		removed = removed[:0]
		for id, b := range aor.Bindings {
			if b.Emergency {
				continue
			}
			if impi != "" && b.PrivateID != impi {
				continue
			}
			removed = append(removed, removedBinding{impi: b.PrivateID, nonce: b.ChallengeNonce})
			delete(aor.Bindings, id)
		}
		return len(removed) > 0
	})
	if err != nil {
		logger.Error("failed to deregister bindings", "error", err)
		return http.StatusInternalServerError
	}

	mirror(ctx, h.cfg.RemoteSDM, aorID, aor, logger)

	// Flow bindings are gone; their challenges must not outlive them.
	if h.cfg.ImpiStore != nil {
		for _, rb := range removed {
			if rb.impi == "" || rb.nonce == "" {
				continue
			}
			if err := h.cfg.ImpiStore.Delete(ctx, rb.impi, rb.nonce); err != nil {
				logger.Warn("failed to delete challenge", "error", err)
			}
		}
	}

	if sendNotifications && h.cfg.Notifier != nil {
		if err := h.cfg.Notifier.NotifyRegState(ctx, aorID, aor); err != nil {
			logger.Warn("failed to notify subscribers", "error", err)
		}
	}

	if len(removed) > 0 {
		var impis []string
		for _, rb := range removed {
			if rb.impi != "" {
				impis = append(impis, rb.impi)
			}
		}
		if err := h.cfg.HSS.NotifyDeregistration(ctx, aorID, dedupe(impis), hss.DeregReasonAdmin); err != nil {
			logger.Error("failed to notify HSS of deregistration", "error", err)
			return http.StatusBadGateway
		}
	}

	return http.StatusOK
}

// AuthTimeoutHandler handles POST /authentication-timeout: the challenge
// window for a REGISTER has passed without an answer.
type AuthTimeoutHandler struct {
	cfg *TimeoutConfig
}

// NewAuthTimeoutHandler creates the handler.
func NewAuthTimeoutHandler(cfg *TimeoutConfig) *AuthTimeoutHandler {
	return &AuthTimeoutHandler{cfg: cfg}
}

type authTimeoutRequest struct {
	IMPU  string `json:"impu"`
	IMPI  string `json:"impi"`
	Nonce string `json:"nonce"`
}

func (h *AuthTimeoutHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	status := h.handle(w, r)
	metrics.TimeoutCallbacksTotal.WithLabelValues("auth_timeout", httpStatusLabel(status)).Inc()
}

func (h *AuthTimeoutHandler) handle(w http.ResponseWriter, r *http.Request) int {
	var req authTimeoutRequest
	if err := decodeBody(r, &req); err != nil {
		return fail(w, http.StatusBadRequest, "malformed body")
	}
	if req.IMPI == "" || req.IMPU == "" || req.Nonce == "" {
		return fail(w, http.StatusBadRequest, "impu, impi and nonce are required")
	}
	logger := h.cfg.logger().WithFields(map[string]interface{}{"impi": req.IMPI, "impu": req.IMPU})

	authenticated := false
	for attempt := 0; attempt < subscriber.MaxCASRetries; attempt++ {
		av, cas, err := h.cfg.ImpiStore.Get(r.Context(), req.IMPI, req.Nonce)
		if errors.Is(err, store.ErrNotFound) {
			// The challenge already aged out; nothing left to expire.
			w.WriteHeader(http.StatusOK)
			return http.StatusOK
		}
		if err != nil {
			logger.Error("failed to read challenge", "error", err)
			return fail(w, http.StatusInternalServerError, "store failure")
		}

		if branch := h.cfg.ImpiStore.CorrelateBranch(av); branch != "" {
			logger = logger.WithFields(map[string]interface{}{"branch": branch})
		}

		if av.Status == impistore.StatusAuthenticated {
			authenticated = true
			break
		}

		av.Status = impistore.StatusExpired
		err = h.cfg.ImpiStore.Set(r.Context(), req.IMPI, av, cas)
		if err == nil {
			break
		}
		if !errors.Is(err, store.ErrCASMismatch) {
			logger.Error("failed to expire challenge", "error", err)
			return fail(w, http.StatusInternalServerError, "store failure")
		}
		metrics.StoreCASRetries.Inc()
		if attempt == subscriber.MaxCASRetries-1 {
			logger.Error("persistent CAS contention expiring challenge")
			return fail(w, http.StatusInternalServerError, "store contention")
		}
	}

	if !authenticated {
		logger.Info("challenge expired without authentication, informing HSS")
		if err := h.cfg.HSS.NotifyAuthFailure(r.Context(), req.IMPU, req.IMPI, req.Nonce); err != nil {
			logger.Error("failed to notify HSS of auth failure", "error", err)
			return fail(w, http.StatusBadGateway, "hss failure")
		}
	}

	w.WriteHeader(http.StatusOK)
	return http.StatusOK
}

// mirror copies locally written AoR state to the remote site best-effort.
func mirror(ctx context.Context, remote *subscriber.DataManager, aorID string, aor *subscriber.AoR, logger *logging.Logger) {
	if remote == nil || aor == nil {
		return
	}
	if err := remote.MirrorAoR(ctx, aorID, aor); err != nil {
		logger.Warn("failed to mirror AoR to remote site", "error", err)
	}
}

func decodeBody(r *http.Request, v interface{}) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return err
	}
	return json.Unmarshal(body, v)
}

func fail(w http.ResponseWriter, status int, msg string) int {
	http.Error(w, msg, status)
	return status
}

func httpStatusLabel(status int) string {
	switch status {
	case http.StatusOK:
		return "ok"
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusBadGateway:
		return "hss_failure"
	default:
		return "store_failure"
	}
}

func dedupe(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	var out []string
	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

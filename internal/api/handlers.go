package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/ignite/email-dispatch/internal/enqueue"
	"github.com/ignite/email-dispatch/internal/job"
	"github.com/ignite/email-dispatch/internal/pkg/logger"
	"github.com/ignite/email-dispatch/internal/stats"
)

// DefaultLinkBase is the public base URL used to build verification and
// reset links when no override is configured.
const DefaultLinkBase = "https://app.example.com"

// Handlers contains all HTTP handlers
type Handlers struct {
	enqueuer  *enqueue.Enqueuer
	collector *stats.Collector
	linkBase  string
}

// NewHandlers creates a new Handlers instance. linkBase is the public app
// URL embedded in welcome and password-reset links; empty selects the
// default.
func NewHandlers(enqueuer *enqueue.Enqueuer, collector *stats.Collector, linkBase string) *Handlers {
	if linkBase == "" {
		linkBase = DefaultLinkBase
	}
	return &Handlers{
		enqueuer:  enqueuer,
		collector: collector,
		linkBase:  strings.TrimRight(linkBase, "/"),
	}
}

// sendRequest is the wire form of a submission.
type sendRequest struct {
	Recipients   []string               `json:"recipients"`
	Template     string                 `json:"template"`
	Context      map[string]interface{} `json:"context"`
	Subject      string                 `json:"subject,omitempty"`
	Priority     string                 `json:"priority,omitempty"`
	Provider     string                 `json:"provider,omitempty"`
	ScheduledFor *time.Time             `json:"scheduled_for,omitempty"`
}

// toRequest converts the wire form, rejecting unknown priority and
// provider names before the job is assembled.
func (sr *sendRequest) toRequest(endpoint string) (*enqueue.Request, error) {
	req := &enqueue.Request{
		Recipients:      sr.Recipients,
		TemplateName:    sr.Template,
		TemplateContext: sr.Context,
		Subject:         sr.Subject,
		ScheduledFor:    sr.ScheduledFor,
		Endpoint:        endpoint,
	}

	if sr.Priority != "" {
		p, err := job.ParsePriority(sr.Priority)
		if err != nil {
			return nil, err
		}
		req.Priority = p
	}
	if sr.Provider != "" {
		k, err := job.ParseProvider(sr.Provider)
		if err != nil {
			return nil, err
		}
		req.Provider = k
	}
	return req, nil
}

// HandleSend accepts a fully specified submission.
//
//	POST /send
func (h *Handlers) HandleSend(w http.ResponseWriter, r *http.Request) {
	var body sendRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	req, err := body.toRequest("/send")
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	h.enqueue(w, r, req)
}

// HandleSendWelcome queues the account welcome email for a new user.
//
//	POST /send/welcome
func (h *Handlers) HandleSendWelcome(w http.ResponseWriter, r *http.Request) {
	var body struct {
		UserEmail         string `json:"user_email"`
		UserName          string `json:"user_name"`
		VerificationToken string `json:"verification_token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if body.UserEmail == "" || body.VerificationToken == "" {
		respondError(w, http.StatusBadRequest, "user_email and verification_token are required")
		return
	}

	h.enqueue(w, r, &enqueue.Request{
		Recipients:   []string{body.UserEmail},
		TemplateName: "user_welcome",
		TemplateContext: map[string]interface{}{
			"name":              body.UserName,
			"verification_link": h.linkBase + "/verify/" + body.VerificationToken,
		},
		Priority: job.PriorityHigh,
		Endpoint: "/send/welcome",
	})
}

// HandleSendPasswordReset queues a password reset email.
//
//	POST /send/password-reset
func (h *Handlers) HandleSendPasswordReset(w http.ResponseWriter, r *http.Request) {
	var body struct {
		UserEmail  string `json:"user_email"`
		ResetToken string `json:"reset_token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if body.UserEmail == "" || body.ResetToken == "" {
		respondError(w, http.StatusBadRequest, "user_email and reset_token are required")
		return
	}

	h.enqueue(w, r, &enqueue.Request{
		Recipients:   []string{body.UserEmail},
		TemplateName: "password_reset",
		TemplateContext: map[string]interface{}{
			"reset_link": h.linkBase + "/reset/" + body.ResetToken,
		},
		Priority: job.PriorityHigh,
		Endpoint: "/send/password-reset",
	})
}

// HandleSendGroupNotification queues one template for every member of a
// recipient group. Expansion happens at enqueue time.
//
//	POST /send/group-notification
func (h *Handlers) HandleSendGroupNotification(w http.ResponseWriter, r *http.Request) {
	var body struct {
		GroupID  string                 `json:"group_id"`
		Template string                 `json:"template"`
		Data     map[string]interface{} `json:"data"`
		Priority string                 `json:"priority,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if body.GroupID == "" || body.Template == "" {
		respondError(w, http.StatusBadRequest, "group_id and template are required")
		return
	}

	req := &enqueue.Request{
		Recipients:      []string{"group:" + body.GroupID},
		TemplateName:    body.Template,
		TemplateContext: body.Data,
		Endpoint:        "/send/group-notification",
	}
	if body.Priority != "" {
		p, err := job.ParsePriority(body.Priority)
		if err != nil {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		req.Priority = p
	}

	h.enqueue(w, r, req)
}

// enqueue runs the shared admission path. Validation failures map to 400,
// queue store trouble to 503, anything accepted to 202.
func (h *Handlers) enqueue(w http.ResponseWriter, r *http.Request, req *enqueue.Request) {
	result, err := h.enqueuer.Enqueue(r.Context(), req, callerIdentity(r.Context()))
	if err != nil {
		var verr *enqueue.ValidationError
		if errors.As(err, &verr) {
			respondError(w, http.StatusBadRequest, verr.Reason)
			return
		}
		logger.Error("enqueue failed", "endpoint", req.Endpoint, "error", err)
		respondError(w, http.StatusServiceUnavailable, "queue store unavailable")
		return
	}

	respondJSON(w, http.StatusAccepted, result)
}

// HandleStats returns queue depths, counters, rate bucket state, alive
// workers, and per-service call aggregates.
//
//	GET /stats
func (h *Handlers) HandleStats(w http.ResponseWriter, r *http.Request) {
	snapshot, err := h.collector.Snapshot(r.Context())
	if err != nil {
		logger.Error("stats collection failed", "error", err)
		respondError(w, http.StatusServiceUnavailable, "stats unavailable")
		return
	}

	respondJSON(w, http.StatusOK, snapshot)
}

// Response helpers

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

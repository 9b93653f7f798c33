// Package handler exposes the session controller as a JSON API.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/pavelanni/osce/internal/decision"
	appI18n "github.com/pavelanni/osce/internal/i18n"
	"github.com/pavelanni/osce/internal/metrics"
	"github.com/pavelanni/osce/internal/model"
	"github.com/pavelanni/osce/internal/session"
)

var errNoBody = errors.New("empty request body")

// maxBodyBytes bounds request bodies; the largest payload is a management plan.
const maxBodyBytes = 64 << 10

// Sessions is the run API the handlers drive. *session.Controller satisfies it.
type Sessions interface {
	Start(ctx context.Context, assignmentID, studentID string) (session.StartResult, error)
	Snapshot(ctx context.Context, runID string) (model.RunSnapshot, error)
	CaseView(ctx context.Context, runID string) (model.CaseView, error)
	PostMessage(ctx context.Context, runID, text string) (model.Turn, error)
	RevealExam(ctx context.Context, runID, itemID string) (model.ActionRecord, error)
	OrderLab(ctx context.Context, runID, itemID string) (model.ActionRecord, error)
	EnterDiagnosis(ctx context.Context, runID string) (model.Phase, error)
	SubmitDiagnosis(ctx context.Context, runID string, in decision.DiagnosisInput) (model.ActionRecord, error)
	SubmitManagement(ctx context.Context, runID string, in decision.ManagementInput) (model.ActionRecord, error)
	SubmitRun(ctx context.Context, runID string) (model.Debrief, error)
	RetryScoring(ctx context.Context, runID string) (model.Debrief, error)
	Debrief(ctx context.Context, runID string) (model.Debrief, error)
}

// Pinger is a dependency checked by /healthz.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler holds shared dependencies for HTTP handlers.
type Handler struct {
	sessions Sessions
	health   map[string]Pinger
	lang     string
}

// New creates a new Handler. lang is the fallback language for debriefs.
func New(s Sessions, lang string, health map[string]Pinger) *Handler {
	return &Handler{sessions: s, health: health, lang: lang}
}

// Router returns the complete HTTP handler with middleware applied.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)
	r.Use(appI18n.Middleware(h.lang))

	r.Get("/healthz", h.handleHealth)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())
	r.Route("/api", h.Routes)
	return r
}

// Routes registers all API routes.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/sessions", h.handleStart)
	r.Route("/runs/{runID}", func(r chi.Router) {
		r.Get("/", h.handleSnapshot)
		r.Get("/case", h.handleCase)
		r.Post("/messages", h.handleMessage)
		r.Post("/exams/{itemID}", h.handleExam)
		r.Post("/labs/{itemID}", h.handleLab)
		r.Post("/diagnosis-phase", h.handleEnterDiagnosis)
		r.Post("/diagnosis", h.handleDiagnosis)
		r.Post("/management", h.handleManagement)
		r.Post("/submit", h.handleSubmit)
		r.Post("/rescore", h.handleRescore)
		r.Get("/debrief", h.handleDebrief)
	})
}

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return badRequest(errNoBody)
		}
		return badRequest(fmt.Errorf("decode body: %w", err))
	}
	return nil
}

type startRequest struct {
	AssignmentID string `json:"assignment_id"`
	StudentID    string `json:"student_id"`
}

func (h *Handler) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := decode(r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	res, err := h.sessions.Start(r.Context(), req.AssignmentID, req.StudentID)
	if err != nil {
		respondError(w, r, err)
		return
	}
	status := http.StatusCreated
	if res.Resumed {
		status = http.StatusOK
	}
	respondJSON(w, status, res)
}

func (h *Handler) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := h.sessions.Snapshot(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, snap)
}

func (h *Handler) handleCase(w http.ResponseWriter, r *http.Request) {
	view, err := h.sessions.CaseView(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, view)
}

type messageRequest struct {
	Text string `json:"text"`
}

func (h *Handler) handleMessage(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	if err := decode(r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	turn, err := h.sessions.PostMessage(r.Context(), chi.URLParam(r, "runID"), req.Text)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, turn)
}

func (h *Handler) handleExam(w http.ResponseWriter, r *http.Request) {
	rec, err := h.sessions.RevealExam(r.Context(), chi.URLParam(r, "runID"), chi.URLParam(r, "itemID"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

func (h *Handler) handleLab(w http.ResponseWriter, r *http.Request) {
	rec, err := h.sessions.OrderLab(r.Context(), chi.URLParam(r, "runID"), chi.URLParam(r, "itemID"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

func (h *Handler) handleEnterDiagnosis(w http.ResponseWriter, r *http.Request) {
	phase, err := h.sessions.EnterDiagnosis(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]model.Phase{"phase": phase})
}

func (h *Handler) handleDiagnosis(w http.ResponseWriter, r *http.Request) {
	var in decision.DiagnosisInput
	if err := decode(r, &in); err != nil {
		respondError(w, r, err)
		return
	}
	rec, err := h.sessions.SubmitDiagnosis(r.Context(), chi.URLParam(r, "runID"), in)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

func (h *Handler) handleManagement(w http.ResponseWriter, r *http.Request) {
	var in decision.ManagementInput
	if err := decode(r, &in); err != nil {
		respondError(w, r, err)
		return
	}
	rec, err := h.sessions.SubmitManagement(r.Context(), chi.URLParam(r, "runID"), in)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

func (h *Handler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	h.respondDebrief(w, r, h.sessions.SubmitRun)
}

func (h *Handler) handleRescore(w http.ResponseWriter, r *http.Request) {
	h.respondDebrief(w, r, h.sessions.RetryScoring)
}

func (h *Handler) handleDebrief(w http.ResponseWriter, r *http.Request) {
	h.respondDebrief(w, r, h.sessions.Debrief)
}

func (h *Handler) respondDebrief(w http.ResponseWriter, r *http.Request, fn func(context.Context, string) (model.Debrief, error)) {
	d, err := fn(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, d)
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	status := http.StatusOK
	checks := make(map[string]string, len(h.health))
	for name, p := range h.health {
		if err := p.Ping(ctx); err != nil {
			slog.Warn("health check failed", "dependency", name, "error", err)
			checks[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}
	respondJSON(w, status, map[string]any{"status": http.StatusText(status), "checks": checks})
}

// Package admin implements the loopback-only runtime admin surface and
// the interactive stdin prompt of spec.md §4.6, grounded on
// original_source/rust/src/runtime/{admin,prompt}.rs.
package admin

import (
	"bufio"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/supergateway/supergateway/internal/runtimeargs"
)

// Restarter restarts the governed child(ren) for a scope after a patch
// that requires it: sessionID == "" restarts the defaults-bound child (or
// every session's child, in stateful mode); a non-empty sessionID restarts
// that one session's child.
type Restarter func(sessionID string) error

// Server exposes the three runtime admin endpoints over loopback-only TCP.
type Server struct {
	store     *runtimeargs.Store
	restart   Restarter
	log       zerolog.Logger
	isSession func(id string) bool
}

// New builds a Server. isSession reports whether id names a live session,
// used to 404 an unknown session id before it is lazily created.
func New(store *runtimeargs.Store, restart Restarter, isSession func(id string) bool, log zerolog.Logger) *Server {
	return &Server{store: store, restart: restart, isSession: isSession, log: log}
}

// patchBody is the admin/prompt wire shape: {extra_cli_args?, env?, headers?}.
type patchBody struct {
	ExtraCLIArgs *[]string          `json:"extra_cli_args,omitempty"`
	Env          *map[string]string `json:"env,omitempty"`
	Headers      *map[string]string `json:"headers,omitempty"`
}

func (b patchBody) toPatch() runtimeargs.Patch {
	return runtimeargs.Patch{ExtraCLIArgs: b.ExtraCLIArgs, Env: b.Env, Headers: b.Headers}
}

// Router returns the chi handler for the admin endpoints; the caller is
// responsible for binding it to loopback only (onlyLoopback below enforces
// it again at the request level as a second layer).
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(onlyLoopback)
	r.Post("/runtime/defaults", s.handleDefaults)
	r.Post("/runtime/session/{id}", s.handleSession)
	r.Get("/runtime/sessions", s.handleListSessions)
	return r
}

func onlyLoopback(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		ip := net.ParseIP(host)
		if ip == nil || !ip.IsLoopback() {
			http.Error(w, "forbidden: admin API is loopback-only", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type applyResult struct {
	OK             bool   `json:"ok"`
	Message        string `json:"message"`
	RestartApplied bool   `json:"restart_applied"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) handleDefaults(w http.ResponseWriter, r *http.Request) {
	var body patchBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, applyResult{OK: false, Message: "invalid JSON body"})
		return
	}
	kind := s.store.SetDefaults(body.toPatch())
	s.applyAndRespond(w, "", kind)
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.isSession(id) {
		writeJSON(w, http.StatusNotFound, applyResult{OK: false, Message: "unknown session"})
		return
	}
	var body patchBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, applyResult{OK: false, Message: "invalid JSON body"})
		return
	}
	kind := s.store.SetSession(id, body.toPatch())
	s.applyAndRespond(w, id, kind)
}

func (s *Server) applyAndRespond(w http.ResponseWriter, sessionID string, kind runtimeargs.ChangeKind) {
	if kind != runtimeargs.ChangeRequiresRestart {
		writeJSON(w, http.StatusOK, applyResult{OK: true, Message: "updated runtime args", RestartApplied: false})
		return
	}
	if err := s.restart(sessionID); err != nil {
		s.log.Error().Err(err).Str("session", sessionID).Msg("admin-triggered restart failed")
		writeJSON(w, http.StatusOK, applyResult{OK: false, Message: "updated runtime args, but restart failed: " + err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, applyResult{OK: true, Message: "updated runtime args and restarted child", RestartApplied: true})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.store.ListSessions())
}

// promptInput is the line-based stdin prompt's wire shape: a scope
// selector plus the same patch fields the HTTP admin endpoints accept.
type promptInput struct {
	Scope     string `json:"scope"`
	SessionID string `json:"session_id,omitempty"`
	patchBody
}

// RunPrompt reads newline-delimited JSON patches from r until EOF,
// applying each to defaults or a named session (spec.md §4.6's
// interactive prompt). It blocks the calling goroutine; callers run it in
// its own goroutine.
func RunPrompt(r io.Reader, store *runtimeargs.Store, restart Restarter, log zerolog.Logger) {
	log.Info().Msg("runtime prompt enabled, enter JSON per line")
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var input promptInput
		if err := json.Unmarshal([]byte(line), &input); err != nil {
			log.Error().Err(err).Msg("invalid JSON prompt input")
			continue
		}
		applyPromptInput(input, store, restart, log)
	}
	if err := scanner.Err(); err != nil {
		log.Error().Err(err).Msg("runtime prompt read error")
	}
}

func applyPromptInput(input promptInput, store *runtimeargs.Store, restart Restarter, log zerolog.Logger) {
	var kind runtimeargs.ChangeKind
	var sessionID string
	switch input.Scope {
	case "global", "":
		kind = store.SetDefaults(input.patchBody.toPatch())
	case "session":
		if input.SessionID == "" {
			log.Error().Msg("prompt input missing session_id for session scope")
			return
		}
		sessionID = input.SessionID
		kind = store.SetSession(sessionID, input.patchBody.toPatch())
	default:
		log.Error().Str("scope", input.Scope).Msg("unknown prompt scope")
		return
	}
	if kind != runtimeargs.ChangeRequiresRestart {
		log.Info().Msg("runtime update: updated runtime args")
		return
	}
	if err := restart(sessionID); err != nil {
		log.Error().Err(err).Msg("runtime update: restart failed")
		return
	}
	log.Info().Msg("runtime update: restarted child with new runtime args")
}

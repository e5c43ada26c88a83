// Package adminapi is the coordinator daemon's admin HTTP surface: enqueue
// and cancel jobs, inspect what's running. Handlers are plain
// func(http.HandlerFunc) http.HandlerFunc wrappers chained in front of a
// standard mux, rather than a router framework.
package adminapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt"

	"github.com/manishalankala/urbackup-coordinator/internal/runner"
	"github.com/manishalankala/urbackup-coordinator/internal/syslog"
)

// JobStarter constructs and enqueues a runner.Job for a client name,
// letting the HTTP layer stay ignorant of Coordinator wiring.
type JobStarter interface {
	StartJob(clientName string) (jobID string, err error)
}

// Server is the admin API's collaborator bundle.
type Server struct {
	Manager     *runner.Manager
	Starter     JobStarter
	JWTSecret   []byte
	TokenIssuer string
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/admin/jobs", s.authenticate(s.handleJobs))
	mux.HandleFunc("/admin/jobs/cancel", s.authenticate(s.handleCancel))
	return mux
}

// authenticate validates a bearer JWT signed with s.JWTSecret before
// letting the request reach next.
func (s *Server) authenticate(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw := r.Header.Get("Authorization")
		tokenStr := strings.TrimPrefix(raw, "Bearer ")
		if tokenStr == "" || tokenStr == raw {
			http.Error(w, "missing bearer token", http.StatusUnauthorized)
			return
		}

		claims := jwt.MapClaims{}
		_, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, errors.New("adminapi: unexpected signing method")
			}
			return s.JWTSecret, nil
		})
		if err != nil {
			syslog.L.Warn().WithMessage("rejected admin token").WithField("error", err.Error()).Write()
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		if s.TokenIssuer != "" {
			if iss, _ := claims["iss"].(string); iss != s.TokenIssuer {
				http.Error(w, "invalid issuer", http.StatusUnauthorized)
				return
			}
		}

		next(w, r)
	}
}

type enqueueRequest struct {
	ClientName string `json:"client_name"`
}

type enqueueResponse struct {
	JobID string `json:"job_id"`
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		json.NewEncoder(w).Encode(map[string]int{"running": s.Manager.RunningCount()})
	case http.MethodPost:
		var req enqueueRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ClientName == "" {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		jobID, err := s.Starter.StartJob(req.ClientName)
		if err != nil {
			if errors.Is(err, runner.ErrAlreadyQueued) {
				http.Error(w, err.Error(), http.StatusConflict)
				return
			}
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(enqueueResponse{JobID: jobID})
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	jobID := r.URL.Query().Get("job_id")
	if jobID == "" {
		http.Error(w, "job_id is required", http.StatusBadRequest)
		return
	}
	if err := s.Manager.Cancel(jobID); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// IssueToken mints a short-lived HS256-signed admin token carrying the
// iss/iat/exp claims that authenticate checks.
func IssueToken(secret []byte, issuer string, ttl time.Duration) (string, error) {
	claims := jwt.MapClaims{
		"iss": issuer,
		"iat": time.Now().Unix(),
		"exp": time.Now().Add(ttl).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}

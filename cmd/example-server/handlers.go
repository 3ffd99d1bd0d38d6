package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/manenim/redis-coord/pkg/cache"
	"github.com/manenim/redis-coord/pkg/leaderboard"
	"github.com/manenim/redis-coord/pkg/limiter"
	"github.com/manenim/redis-coord/pkg/lock"
	"github.com/manenim/redis-coord/pkg/queue"
	"github.com/manenim/redis-coord/pkg/session"
	"go.uber.org/zap"
)

const jobLease = 30 * time.Second

func (s *server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ping", s.rateLimited(s.handlePing))
	mux.HandleFunc("GET /users/{user}/summary", s.rateLimited(s.handleSummary))
	mux.HandleFunc("POST /users/{user}/invalidate", s.handleInvalidate)
	mux.HandleFunc("GET /users/{user}/sessions", s.handleListSessions)
	mux.HandleFunc("POST /sessions", s.handlePutSession)
	mux.HandleFunc("GET /sessions/{id}", s.handleGetSession)
	mux.HandleFunc("POST /jobs/{name}", s.handleStartJob)
	mux.HandleFunc("GET /jobs/{name}", s.handleInspectJob)
	mux.HandleFunc("POST /queues/{name}", s.handleEnqueue)
	mux.HandleFunc("GET /queues/{name}", s.handlePeek)
	mux.HandleFunc("GET /counters/{base}", s.handleCounters)
	mux.HandleFunc("POST /leaderboards/{name}/{member}", s.handleScore)
	mux.HandleFunc("GET /leaderboards/{name}", s.handleTop)
	return mux
}

// rateLimited applies the configured per-IP budget. Limiter errors fail open.
func (s *server) rateLimited(next http.HandlerFunc) http.HandlerFunc {
	limit := limiter.Limit{Max: s.cfg.Limit.Requests, Window: s.cfg.Limit.Window}
	return func(w http.ResponseWriter, r *http.Request) {
		ip, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			ip = r.RemoteAddr
		}
		id := limiter.Identity{Namespace: "ip", Key: ip}

		dec, err := s.limiter.Allow(r.Context(), id, limit)
		if err != nil {
			s.log.Warn("Limiter error, allowing request", zap.String("ip", ip), zap.Error(err))
		} else {
			w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(dec.Remaining, 10))
			if !dec.Allow {
				w.Header().Set("Retry-After", strconv.Itoa(int(dec.RetryAfter.Round(time.Second)/time.Second)))
				http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
				return
			}
		}

		s.count(r.Context(), "requests")
		next(w, r)
	}
}

func (s *server) handlePing(w http.ResponseWriter, r *http.Request) {
	_, _ = w.Write([]byte("Pong!\n"))
}

// handleSummary serves a per-user summary through the refresh-ahead cache.
func (s *server) handleSummary(w http.ResponseWriter, r *http.Request) {
	user := r.PathValue("user")
	id := "financial_summary:" + user

	value, err := s.cache.GetOrLoad(r.Context(), id, s.cfg.Cache.RefreshThreshold, func(ctx context.Context) (string, time.Duration, error) {
		s.count(ctx, "summary_builds")
		return fmt.Sprintf(`{"user":%q,"built_at":%q}`, user, time.Now().UTC().Format(time.RFC3339)), s.cfg.Cache.TTL, nil
	})
	switch {
	case errors.Is(err, cache.ErrRefreshInFlight):
		w.Header().Set("Retry-After", "1")
		http.Error(w, "Summary is being built", http.StatusServiceUnavailable)
		return
	case err != nil:
		s.fail(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(value))
}

func (s *server) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	n, err := s.invalidator.InvalidateFor(r.Context(), r.PathValue("user"), r.URL.Query().Get("account"), r.URL.Query()["pattern"]...)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"deleted": n})
}

type sessionRequest struct {
	SessionID  string `json:"session_id"`
	UserID     string `json:"user_id"`
	Payload    string `json:"payload"`
	TTLSeconds int64  `json:"ttl_seconds"`
}

func (s *server) handlePutSession(w http.ResponseWriter, r *http.Request) {
	var req sessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	res, err := s.sessions.CreateOrUpdate(r.Context(), req.SessionID, req.UserID, req.Payload, time.Duration(req.TTLSeconds)*time.Second)
	switch {
	case errors.Is(err, session.ErrEmptyID), errors.Is(err, session.ErrInvalidTTL):
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	case err != nil:
		s.fail(w, err)
		return
	}

	status := http.StatusOK
	if res.Created {
		status = http.StatusCreated
		s.count(r.Context(), "sessions_created")
	}
	writeJSON(w, status, res)
}

func (s *server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Get(r.Context(), r.PathValue("id"))
	switch {
	case errors.Is(err, session.ErrNotFound):
		http.NotFound(w, r)
		return
	case err != nil:
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.sessions.ListForUser(r.Context(), r.PathValue("user"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessions)
}

// handleStartJob runs a simulated job under a renewable lock. The lock is
// kept alive while the job runs and released when it ends.
func (s *server) handleStartJob(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	duration := 5 * time.Second
	if d, err := time.ParseDuration(r.URL.Query().Get("duration")); err == nil && d > 0 {
		duration = d
	}

	holder := lock.NewHolderID()
	res, err := s.locks.Acquire(r.Context(), "job:"+name, holder, jobLease)
	if err != nil {
		s.fail(w, err)
		return
	}
	if !res.Held() {
		writeJSON(w, http.StatusConflict, res)
		return
	}

	go s.runJob(name, holder, duration)
	writeJSON(w, http.StatusAccepted, res)
}

func (s *server) runJob(name, holder string, duration time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), duration)
	defer cancel()

	log := s.log.With(zap.String("job", name), zap.String("holder", holder))
	lost := s.locks.KeepAlive(ctx, "job:"+name, holder, jobLease, jobLease/3)

	select {
	case err, ok := <-lost:
		if ok {
			log.Error("Job aborted", zap.Error(err))
			return
		}
	case <-ctx.Done():
	}
	s.count(context.Background(), "jobs_completed")

	outcome, err := s.locks.Release(context.Background(), "job:"+name, holder)
	if err != nil {
		log.Warn("Failed to release job lock", zap.Error(err))
		return
	}
	log.Info("Job finished", zap.String("release", string(outcome)))
}

func (s *server) handleInspectJob(w http.ResponseWriter, r *http.Request) {
	st, err := s.locks.Inspect(r.Context(), "job:"+r.PathValue("name"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

type enqueueRequest struct {
	ID       string `json:"id"`
	Priority int    `json:"priority"`
	Payload  string `json:"payload"`
	DedupKey string `json:"dedup_key"`
}

func (s *server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	receipt, err := s.queue.Enqueue(r.Context(), r.PathValue("name"), queue.Item{
		ID:       req.ID,
		Priority: queue.Priority(req.Priority),
		Payload:  req.Payload,
		DedupKey: req.DedupKey,
	})
	switch {
	case errors.Is(err, queue.ErrEmptyItemID), errors.Is(err, queue.ErrInvalidPriority):
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	case err != nil:
		s.fail(w, err)
		return
	}

	status := http.StatusAccepted
	if receipt.Result == queue.Duplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, receipt)
}

func (s *server) handlePeek(w http.ResponseWriter, r *http.Request) {
	items, err := s.queue.Peek(r.Context(), r.PathValue("name"), queryInt(r, "n", 20))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *server) handleCounters(w http.ResponseWriter, r *http.Request) {
	cmp, err := s.counter.Compare(r.Context(), r.PathValue("base"), time.Time{})
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cmp)
}

func (s *server) handleScore(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	points, err := strconv.ParseFloat(q.Get("points"), 64)
	if err != nil {
		http.Error(w, "points must be a number", http.StatusBadRequest)
		return
	}
	decay := 0.0
	if v := q.Get("decay"); v != "" {
		if decay, err = strconv.ParseFloat(v, 64); err != nil {
			http.Error(w, "decay must be a number", http.StatusBadRequest)
			return
		}
	}

	standing, err := s.board.Update(r.Context(), r.PathValue("name"), r.PathValue("member"), points, decay, time.Time{})
	switch {
	case errors.Is(err, leaderboard.ErrInvalidDecayRate), errors.Is(err, leaderboard.ErrInvalidIncrement), errors.Is(err, leaderboard.ErrEmptyMember):
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	case err != nil:
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, standing)
}

func (s *server) handleTop(w http.ResponseWriter, r *http.Request) {
	entries, err := s.board.Top(r.Context(), r.PathValue("name"), queryInt(r, "n", 10))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// count bumps an analytics counter; failures are only logged.
func (s *server) count(ctx context.Context, base string) {
	if _, err := s.counter.Increment(ctx, base, 1, time.Time{}); err != nil {
		s.log.Warn("Failed to increment counter", zap.String("counter", base), zap.Error(err))
	}
}

func (s *server) fail(w http.ResponseWriter, err error) {
	s.log.Error("Request failed", zap.Error(err))
	http.Error(w, "Internal error", http.StatusInternalServerError)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func queryInt(r *http.Request, name string, def int) int {
	n, err := strconv.Atoi(r.URL.Query().Get(name))
	if err != nil || n <= 0 {
		return def
	}
	return n
}

package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"grid-engine/internal/bot"
	"grid-engine/internal/errs"
	"grid-engine/internal/statemanager"

	"go.uber.org/zap"
)

// commandTimeout 限制一次控制命令 (撤销全部挂单等) 的等待时间
const commandTimeout = 60 * time.Second

type errorResponse struct {
	Error string `json:"error"`
}

type commandResponse struct {
	Status string    `json:"status"`
	Bot    BotStatus `json:"bot"`
}

// Handler 返回控制接口：
//
//	GET  /healthz
//	GET  /bots
//	GET  /bots/{id}
//	POST /bots/{id}/{action}   action = start | pause | resume | stop | recover
//	GET  /metrics              (metrics 非 nil 时)
//
// token 非空时 /bots 下的接口需要 Authorization: Bearer <token>。
func (s *Supervisor) Handler(metrics http.Handler, token string) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.Handle("GET /bots", withAuth(token, http.HandlerFunc(s.handleList)))
	mux.Handle("GET /bots/{id}", withAuth(token, http.HandlerFunc(s.handleGet)))
	mux.Handle("POST /bots/{id}/{action}", withAuth(token, http.HandlerFunc(s.handleCommand)))
	if metrics != nil {
		mux.Handle("GET /metrics", metrics)
	}
	return mux
}

func withAuth(token string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if token != "" && strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ") != token {
			writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Supervisor) handleList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Bots())
}

func (s *Supervisor) handleGet(w http.ResponseWriter, r *http.Request) {
	id, ok := botID(w, r)
	if !ok {
		return
	}
	st, found := s.Bot(id)
	if !found {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "bot not loaded"})
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Supervisor) handleCommand(w http.ResponseWriter, r *http.Request) {
	id, ok := botID(w, r)
	if !ok {
		return
	}
	action := r.PathValue("action")
	ctx, cancel := context.WithTimeout(r.Context(), commandTimeout)
	defer cancel()

	if err := s.Command(ctx, id, action); err != nil {
		s.logger.Warn("control command failed", zap.Int64("bot_id", id), zap.String("action", action), zap.Error(err))
		writeJSON(w, statusFor(err), errorResponse{Error: err.Error()})
		return
	}
	st, _ := s.Bot(id)
	writeJSON(w, http.StatusOK, commandResponse{Status: "ok", Bot: st})
}

func botID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid bot id"})
		return 0, false
	}
	return id, true
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrUnknownBot):
		return http.StatusNotFound
	case errors.Is(err, ErrUnknownAction):
		return http.StatusBadRequest
	case errors.Is(err, bot.ErrInvalidTransition), errors.Is(err, statemanager.ErrWorkerStopped):
		return http.StatusConflict
	case errors.Is(err, errs.ErrTransient), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

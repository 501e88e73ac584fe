// Package admin 提供运维接口：查看队列状态、手动触发批处理与回收、人工重试失败记录
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/wangyingjie930/nexus-enrich/enrich"
	"github.com/wangyingjie930/nexus-enrich/logger"
	"github.com/wangyingjie930/nexus-enrich/queue"
)

type BatchRunner interface {
	RunBatch(ctx context.Context, opts enrich.BatchOptions) (enrich.RunStats, error)
	Status(ctx context.Context) (enrich.StatusReport, error)
}

type Maintainer interface {
	SweepStalled(ctx context.Context, staleAfter time.Duration) (enrich.SweepResult, error)
	CleanupCompleted(ctx context.Context, olderThan time.Duration) (int64, error)
}

// Records 是 queue.Store 中单条记录相关的操作
type Records interface {
	Get(ctx context.Context, id uint64) (*queue.QueueRecord, error)
	Requeue(ctx context.Context, id uint64, now time.Time) (bool, error)
}

type Config struct {
	Batch      enrich.BatchOptions
	StaleAfter time.Duration
	// RequestTimeout 只作用于查询类接口，手动批处理受 Batch.MaxRuntime 约束
	RequestTimeout time.Duration
}

type Server struct {
	runner  BatchRunner
	sweeper Maintainer
	records Records
	cfg     Config
	now     func() time.Time
	mux     *http.ServeMux
}

func NewServer(runner BatchRunner, sweeper Maintainer, records Records, cfg Config) *Server {
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 15 * time.Minute
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	s := &Server{
		runner:  runner,
		sweeper: sweeper,
		records: records,
		cfg:     cfg,
		now:     func() time.Time { return time.Now().UTC() },
		mux:     http.NewServeMux(),
	}

	s.mux.HandleFunc("GET /healthz", s.handleHealth)

	s.mux.Handle("GET /admin/status", s.timeout(s.handleStatus))
	s.mux.HandleFunc("POST /admin/run-batch", s.handleRunBatch)
	s.mux.Handle("POST /admin/sweep", s.timeout(s.handleSweep))
	s.mux.Handle("POST /admin/cleanup", s.timeout(s.handleCleanup))
	s.mux.Handle("GET /admin/records/{id}", s.timeout(s.handleGetRecord))
	s.mux.Handle("POST /admin/records/{id}/retry", s.timeout(s.handleRetryRecord))

	return s
}

// Handle 挂载额外的路由，例如 webhook 入口
func (s *Server) Handle(pattern string, h http.Handler) {
	s.mux.Handle(pattern, h)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestLogging(requestID(s.mux)).ServeHTTP(w, r)
}

func (s *Server) timeout(h http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RequestTimeout)
		defer cancel()
		h(w, r.WithContext(ctx))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"time":   s.now().Format(time.RFC3339),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	report, err := s.runner.Status(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleRunBatch(w http.ResponseWriter, r *http.Request) {
	opts := s.cfg.Batch
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		opts.Limit = limit
	}

	// 批处理不随客户端断开而中止，否则已认领的记录要等 Sweeper 回收
	stats, err := s.runner.RunBatch(context.WithoutCancel(r.Context()), opts)
	if errors.Is(err, enrich.ErrBusy) {
		writeJSON(w, http.StatusConflict, stats)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	res, err := s.sweeper.SweepStalled(r.Context(), s.cfg.StaleAfter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	hours, err := strconv.Atoi(r.URL.Query().Get("olderThanHours"))
	if err != nil || hours <= 0 {
		writeError(w, http.StatusBadRequest, "olderThanHours must be a positive integer")
		return
	}
	deleted, err := s.sweeper.CleanupCompleted(r.Context(), time.Duration(hours)*time.Hour)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"deleted": deleted})
}

func (s *Server) handleGetRecord(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	rec, err := s.records.Get(r.Context(), id)
	if errors.Is(err, queue.ErrNotFound) {
		writeError(w, http.StatusNotFound, "record not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, NewRecordView(rec))
}

func (s *Server) handleRetryRecord(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	requeued, err := s.records.Requeue(r.Context(), id, s.now())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !requeued {
		writeError(w, http.StatusConflict, "only FAILED records can be retried")
		return
	}
	logger.Ctx(r.Context()).Info().Uint64("record_id", id).Msg("record requeued by operator")
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "status": queue.StatusPending})
}

func pathID(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	id, err := strconv.ParseUint(r.PathValue("id"), 10, 64)
	if err != nil || id == 0 {
		writeError(w, http.StatusBadRequest, "id must be a positive integer")
		return 0, false
	}
	return id, true
}

func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-Id")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", reqID)
		next.ServeHTTP(w, r)
	})
}

func requestLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		logger.Ctx(r.Context()).Debug().
			Str("req_id", w.Header().Get("X-Request-Id")).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Dur("duration", time.Since(start)).
			Msg("http request")
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

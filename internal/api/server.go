package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	xerrors "TaskFlow-Engine/internal/errors"
	"TaskFlow-Engine/internal/task"
)

// ResumerControl 是 API 需要的恢复器操作。
type ResumerControl interface {
	Pause()
	Resume()
	Paused() bool
	IsLeader() bool
	NodePath() string
}

// Server 负责暴露 REST 接口，供外部提交任务并控制恢复器。
type Server struct {
	addr    string
	service *task.Service
	resumer ResumerControl
}

// NewServer 构造 API 服务实例。resumer 为 nil 时不注册恢复器接口。
func NewServer(addr string, service *task.Service, resumer ResumerControl) *Server {
	return &Server{addr: addr, service: service, resumer: resumer}
}

// Handler 返回注册了全部路由的处理器。
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Route("/api/v1/tasks", func(r chi.Router) {
		r.Post("/", s.handleCreateTask)
		r.Get("/", s.handleListTasks)
		r.Get("/{id}", s.handleTaskDetail)
	})
	if s.resumer != nil {
		r.Route("/api/v1/resumer", func(r chi.Router) {
			r.Get("/", s.handleResumerState)
			r.Post("/pause", s.handlePause)
			r.Post("/resume", s.handleResume)
		})
	}
	return r
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		return err
	}
}

type createTaskRequest struct {
	ID           string     `json:"id"`
	Type         string     `json:"type"`
	SubType      string     `json:"sub_type"`
	Data         []byte     `json:"data"`
	Priority     int        `json:"priority"`
	RunAfterTime *time.Time `json:"run_after_time"`
}

type createTaskResponse struct {
	ID     string `json:"id"`
	Result string `json:"result"`
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "请求体解析失败")
		return
	}

	addReq := task.AddTaskRequest{
		Type:     req.Type,
		SubType:  req.SubType,
		Data:     req.Data,
		Priority: req.Priority,
	}
	if req.ID != "" {
		id, err := uuid.Parse(req.ID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "任务 ID 格式错误")
			return
		}
		addReq.TaskID = id
	}
	if req.RunAfterTime != nil {
		addReq.RunAfterTime = *req.RunAfterTime
	}

	resp, err := s.service.AddTask(r.Context(), addReq)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	status := http.StatusCreated
	if resp.Result == task.AddTaskAlreadyExists {
		status = http.StatusConflict
	}
	writeJSON(w, status, createTaskResponse{ID: resp.TaskID.String(), Result: string(resp.Result)})
}

// handleTaskDetail 返回单个任务的完整记录。
func (s *Server) handleTaskDetail(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "id")
	if raw == "" {
		writeError(w, http.StatusBadRequest, "缺少任务 ID")
		return
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "任务 ID 格式错误")
		return
	}

	t, err := s.service.GetTask(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// handleListTasks 按类型与状态筛选任务，status 可用逗号分隔多个取值。
func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	var statuses []task.Status
	if raw := query.Get("status"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			status, err := task.ParseStatus(strings.ToUpper(strings.TrimSpace(part)))
			if err != nil {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			statuses = append(statuses, status)
		}
	}

	tasks, err := s.service.GetTasks(r.Context(), query.Get("type"), query.Get("sub_type"), statuses...)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

type resumerState struct {
	NodePath string `json:"node_path"`
	Leader   bool   `json:"leader"`
	Paused   bool   `json:"paused"`
}

func (s *Server) handleResumerState(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.state())
}

func (s *Server) handlePause(w http.ResponseWriter, _ *http.Request) {
	s.resumer.Pause()
	writeJSON(w, http.StatusOK, s.state())
}

func (s *Server) handleResume(w http.ResponseWriter, _ *http.Request) {
	s.resumer.Resume()
	writeJSON(w, http.StatusOK, s.state())
}

func (s *Server) state() resumerState {
	return resumerState{
		NodePath: s.resumer.NodePath(),
		Leader:   s.resumer.IsLeader(),
		Paused:   s.resumer.Paused(),
	}
}

// errorResponse 是业务错误的响应体。5xx 只暴露错误码对应的描述，不透出底层原因。
type errorResponse struct {
	Error     string            `json:"error"`
	Code      string            `json:"code,omitempty"`
	Retryable bool              `json:"retryable,omitempty"`
	Details   map[string]string `json:"details,omitempty"`
}

func writeServiceError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch xerrors.CodeOf(err) {
	case task.CodeTaskNotFound:
		status = http.StatusNotFound
	case task.CodeTaskValidation, xerrors.CodeInvalidArgument:
		status = http.StatusBadRequest
	case xerrors.CodeInitializationFailure:
		status = http.StatusServiceUnavailable
	}

	body := errorResponse{Error: err.Error(), Code: string(xerrors.CodeOf(err))}
	if coded, ok := xerrors.From(err); ok {
		body.Retryable = coded.Retryable()
		body.Details = coded.Metadata()
		if status >= http.StatusInternalServerError {
			body.Error = coded.Message()
		}
	}
	writeJSON(w, status, body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			writeError(w, http.StatusServiceUnavailable, "服务已关闭")
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}

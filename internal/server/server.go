package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/csrf"

	"github.com/hitushen/portprobe/internal/auth"
	"github.com/hitushen/portprobe/internal/checker"
	"github.com/hitushen/portprobe/internal/config"
	"github.com/hitushen/portprobe/internal/models"
	"github.com/hitushen/portprobe/internal/realtime"
	"github.com/hitushen/portprobe/internal/targets"
)

// 单个请求允许指定的最长探测超时。
const maxRequestTimeout = 10 * time.Second

// Server 负责 HTTP 路由与检测服务之间的衔接。
type Server struct {
	cfg     *config.Config
	checker *checker.Service
	auth    *auth.Manager
	broker  *realtime.Broker
	logger  *slog.Logger
}

// New 创建带路由的 Server。
func New(cfg *config.Config, svc *checker.Service, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	authManager, err := auth.NewManager(cfg.Server.AdminUser, cfg.Server.AdminPassword, []byte(cfg.Server.SessionKey))
	if err != nil {
		return nil, err
	}
	return &Server{
		cfg:     cfg,
		checker: svc,
		auth:    authManager,
		broker:  realtime.NewBroker(),
		logger:  logger.With("component", "server"),
	}, nil
}

// Broker 返回实时事件分发器。
func (s *Server) Broker() *realtime.Broker {
	return s.broker
}

// Close 结束所有长连接。
func (s *Server) Close() {
	s.broker.Close()
}

// Handler 返回根 HTTP 处理器。
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Heartbeat("/healthz"))

	csrfMiddleware := csrf.Protect(
		[]byte(s.cfg.Server.CSRFKey),
		csrf.Secure(false),
		csrf.Path("/"),
		csrf.FieldName("csrf_token"),
		csrf.ErrorHandler(http.HandlerFunc(s.csrfFailed)),
	)

	r.Post("/login", s.handleLogin)
	r.Post("/logout", s.handleLogout)

	r.Route("/api", func(api chi.Router) {
		api.Get("/session", s.apiSession)

		api.Group(func(priv chi.Router) {
			priv.Use(s.auth.Middleware(s.unauthorised))

			priv.Post("/check", s.apiCheck)
			priv.Get("/history", s.apiHistory)
			priv.Get("/settings", s.apiSettings)
			priv.Get("/events", s.streamEvents)
			priv.Get("/ws", s.streamWebsocket)
		})
	})

	return csrfMiddleware(r)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeErr(w, err, http.StatusBadRequest)
			return
		}
	} else {
		if err := r.ParseForm(); err != nil {
			writeMessage(w, "invalid form", http.StatusBadRequest)
			return
		}
		body.Username = r.FormValue("username")
		body.Password = r.FormValue("password")
	}

	if err := s.auth.Authenticate(w, r, body.Username, body.Password); err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			writeMessage(w, err.Error(), http.StatusUnauthorized)
			return
		}
		writeErr(w, err, http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	_ = s.auth.Logout(w, r)
	writeJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) apiSession(w http.ResponseWriter, r *http.Request) {
	token := csrf.Token(r)
	w.Header().Set("X-CSRF-Token", token)
	writeJSON(w, map[string]interface{}{
		"csrfToken":    token,
		"authRequired": s.auth.Enabled(),
		"username":     s.auth.Username(r),
		"timeoutMs":    s.checker.Timeout().Milliseconds(),
		"historyLimit": models.MaxHistory,
	})
}

// portInput 同时接受 JSON 字符串与数字形式的端口。
type portInput string

func (p *portInput) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*p = portInput(s)
		return nil
	}
	*p = portInput(strings.TrimSpace(string(data)))
	return nil
}

func (s *Server) apiCheck(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Address   string    `json:"address"`
		Port      portInput `json:"port"`
		TimeoutMS int       `json:"timeoutMs"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeErr(w, err, http.StatusBadRequest)
		return
	}

	timeout := time.Duration(body.TimeoutMS) * time.Millisecond
	if timeout > maxRequestTimeout {
		timeout = maxRequestTimeout
	}

	address := targets.Normalize(body.Address)
	port := strings.TrimSpace(string(body.Port))
	report, err := s.checker.CheckWithTimeout(r.Context(), address, port, timeout)
	if !report.Validation.OK() {
		writeJSONStatus(w, http.StatusUnprocessableEntity, map[string]interface{}{
			"evaluated": false,
			"message":   report.Message,
			"errors":    fieldErrors(report.Validation),
		})
		return
	}

	if errors.Is(err, checker.ErrCanceled) {
		writeMessage(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	s.publishReport(report)
	if err != nil {
		s.logger.Error("persist check result", "target", report.Target.String(), "err", err)
		writeJSONStatus(w, http.StatusInternalServerError, map[string]interface{}{
			"error":  err.Error(),
			"report": report,
		})
		return
	}
	writeJSON(w, report)
}

func (s *Server) publishReport(report *checker.Report) {
	target := report.Target.String()
	s.broker.Publish(realtime.Event{
		Type:    realtime.EventCheckCompleted,
		Target:  target,
		Payload: report,
	})
	if report.Entry != nil {
		s.broker.Publish(realtime.Event{
			Type:    realtime.EventHistoryUpdated,
			Target:  target,
			Payload: report.Entry,
		})
	}
	if report.Settings != nil {
		s.broker.Publish(realtime.Event{
			Type:    realtime.EventSettingsUpdated,
			Target:  target,
			Payload: report.Settings,
		})
	}
}

func (s *Server) apiHistory(w http.ResponseWriter, r *http.Request) {
	history := s.checker.History(r.Context())
	if history == nil {
		history = []models.HistoryEntry{}
	}
	writeJSON(w, history)
}

func (s *Server) apiSettings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.checker.Settings(r.Context()))
}

func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "stream unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch, cleanup := s.broker.Subscribe()
	defer cleanup()

	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case msg := <-ch:
			_, _ = w.Write([]byte("data: "))
			_, _ = w.Write(msg)
			_, _ = w.Write([]byte("\n\n"))
			flusher.Flush()
		case <-r.Context().Done():
			return
		case <-s.broker.Done():
			return
		}
	}
}

func (s *Server) csrfFailed(w http.ResponseWriter, r *http.Request) {
	message := "invalid csrf token"
	if reason := csrf.FailureReason(r); reason != nil {
		message += ": " + reason.Error()
	}
	writeMessage(w, message, http.StatusForbidden)
}

func (s *Server) unauthorised(w http.ResponseWriter, r *http.Request) {
	writeMessage(w, auth.ErrUnauthorised.Error(), http.StatusUnauthorized)
}

func fieldErrors(v targets.ValidationResult) map[string]string {
	out := map[string]string{}
	if v.AddressErr != nil {
		out["address"] = v.AddressErr.Error()
	}
	if v.PortErr != nil {
		out["port"] = v.PortErr.Error()
	}
	return out
}

func writeJSON(w http.ResponseWriter, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload)
}

func writeJSONStatus(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeErr(w http.ResponseWriter, err error, status int) {
	writeMessage(w, err.Error(), status)
}

func writeMessage(w http.ResponseWriter, message string, status int) {
	writeJSONStatus(w, status, map[string]string{"error": message})
}

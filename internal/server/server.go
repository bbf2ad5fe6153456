// Package server provides the HTTP server and handlers.
package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/bryan-buckman/certminder/internal/csvfile"
	"github.com/bryan-buckman/certminder/internal/database"
	"github.com/bryan-buckman/certminder/internal/model"
	"github.com/bryan-buckman/certminder/internal/notify"
	"github.com/bryan-buckman/certminder/internal/renew"
	"github.com/bryan-buckman/certminder/internal/scheduler"
	"github.com/bryan-buckman/certminder/internal/settings"
)

// AuthHeader marks a request as coming from a logged-in client. Only its
// presence is checked.
const AuthHeader = "X-User-Logged-In"

const maxUploadBytes = 10 << 20

// Options configures a Server.
type Options struct {
	Addr      string
	StaticDir string // served at / when set
}

// Server is the main HTTP server.
type Server struct {
	db         database.Store
	settings   *settings.Store
	job        *scheduler.Job
	runner     *scheduler.Runner
	renewer    *renew.Renewer
	log        logrus.FieldLogger
	router     chi.Router
	httpServer *http.Server
	now        func() time.Time
}

// New creates a new server. runner may be nil when scheduled checks are
// disabled.
func New(db database.Store, st *settings.Store, job *scheduler.Job, runner *scheduler.Runner, opts Options, log logrus.FieldLogger) *Server {
	s := &Server{
		db:       db,
		settings: st,
		job:      job,
		runner:   runner,
		renewer:  renew.New(db, log.WithField("component", "renew")),
		log:      log,
		now:      time.Now,
	}
	s.setupRoutes(opts.StaticDir)
	s.httpServer = &http.Server{
		Addr:              opts.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) setupRoutes(staticDir string) {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestLogger(&middleware.DefaultLogFormatter{Logger: s.log, NoColor: true}))
	r.Use(middleware.Recoverer)

	if staticDir != "" {
		r.Handle("/*", http.FileServer(http.Dir(staticDir)))
	}

	r.Route("/api", func(r chi.Router) {
		r.Post("/auth/login", s.handleLogin)
		r.Post("/auth/change-password", s.handleChangePassword)

		r.Group(func(r chi.Router) {
			r.Use(requireLogin)

			r.Get("/reminders", s.handleListReminders)
			r.Post("/reminders", s.handleCreateReminder)
			r.Get("/reminders/export", s.handleExport)
			r.Post("/reminders/import", s.handleImport)
			r.Post("/reminders/check-and-email", s.handleCheck(notify.ChannelEmail, "邮件"))
			r.Post("/reminders/check-and-dingtalk", s.handleCheck(notify.ChannelDingTalk, "钉钉消息"))
			r.Post("/reminders/auto-renew", s.handleAutoRenew)
			r.Get("/reminders/{id:[0-9]+}", s.handleGetReminder)
			r.Put("/reminders/{id:[0-9]+}", s.handleUpdateReminder)
			r.Delete("/reminders/{id:[0-9]+}", s.handleDeleteReminder)

			r.Get("/settings/email", s.handleGetSettings(model.EmailSettingKeys, model.SettingSenderPassword, "获取邮箱配置失败"))
			r.Post("/settings/email", s.handleSaveSettings(model.EmailSettingKeys, "邮箱配置更新成功", "更新邮箱配置失败"))
			r.Get("/settings/dingtalk", s.handleGetSettings(model.DingTalkSettingKeys, model.SettingDingTalkSecret, "获取钉钉配置失败"))
			r.Post("/settings/dingtalk", s.handleSaveSettings(model.DingTalkSettingKeys, "钉钉配置更新成功", "更新钉钉配置失败"))
		})
	})

	s.router = r
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the scheduler, if any, and serves until Stop is called.
func (s *Server) Start() error {
	if s.runner != nil {
		s.runner.Start()
	}
	s.log.Infof("Server starting on %s", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop drains in-flight requests and stops the scheduler.
func (s *Server) Stop(ctx context.Context) error {
	err := s.httpServer.Shutdown(ctx)
	if s.runner != nil {
		s.runner.Stop()
	}
	return err
}

func requireLogin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := r.Header[AuthHeader]; !ok {
			writeError(w, http.StatusUnauthorized, "未授权访问")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// --- Reminder Handlers ---

func (s *Server) handleListReminders(w http.ResponseWriter, r *http.Request) {
	reminders, err := s.db.ListReminders()
	if err != nil {
		s.internalError(w, r, err, "获取提醒列表失败")
		return
	}
	if reminders == nil {
		reminders = []model.Reminder{}
	}
	writeJSON(w, http.StatusOK, reminders)
}

func (s *Server) handleGetReminder(w http.ResponseWriter, r *http.Request) {
	id := reminderID(r)
	rem, err := s.db.GetReminder(id)
	if errors.Is(err, database.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Reminder not found")
		return
	}
	if err != nil {
		s.internalError(w, r, err, "获取提醒失败")
		return
	}
	writeJSON(w, http.StatusOK, rem)
}

func (s *Server) handleCreateReminder(w http.ResponseWriter, r *http.Request) {
	var f model.ReminderFields
	if err := json.NewDecoder(r.Body).Decode(&f); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request")
		return
	}
	rem, err := s.db.CreateReminder(f)
	if err != nil {
		s.writeStoreError(w, r, err, "创建提醒失败")
		return
	}
	writeJSON(w, http.StatusCreated, rem)
}

func (s *Server) handleUpdateReminder(w http.ResponseWriter, r *http.Request) {
	var f model.ReminderFields
	if err := json.NewDecoder(r.Body).Decode(&f); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request")
		return
	}
	rem, err := s.db.UpdateReminder(reminderID(r), f)
	if err != nil {
		s.writeStoreError(w, r, err, "更新提醒失败")
		return
	}
	writeJSON(w, http.StatusOK, rem)
}

func (s *Server) handleDeleteReminder(w http.ResponseWriter, r *http.Request) {
	if err := s.db.DeleteReminder(reminderID(r)); err != nil {
		s.writeStoreError(w, r, err, "删除提醒失败")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	reminders, err := s.db.ListReminders()
	if err != nil {
		s.internalError(w, r, err, "导出失败")
		return
	}
	var buf bytes.Buffer
	if err := csvfile.Export(&buf, reminders); err != nil {
		s.internalError(w, r, err, "导出失败")
		return
	}
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", "attachment; filename=reminders_export.csv")
	w.Write(buf.Bytes())
}

func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "没有找到文件")
		return
	}
	defer file.Close()

	if header.Filename == "" {
		writeError(w, http.StatusBadRequest, "未选择文件")
		return
	}
	if !strings.EqualFold(filepath.Ext(header.Filename), ".csv") {
		writeError(w, http.StatusBadRequest, "文件类型不支持，请上传 .csv 文件")
		return
	}

	count, err := csvfile.Import(s.db, file, s.log.WithField("file", header.Filename))
	if errors.Is(err, csvfile.ErrEmpty) {
		writeError(w, http.StatusBadRequest, "CSV 文件为空")
		return
	}
	if err != nil {
		s.internalError(w, r, err, "导入失败")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"message": fmt.Sprintf("导入成功，共新增 %d 条记录。", count),
		"count":   count,
	})
}

// handleCheck runs a scan and dispatches to a single channel. label names
// the channel in the response message.
func (s *Server) handleCheck(channel, label string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := s.job.Run(r.Context(), s.now(), channel)
		if err != nil {
			s.internalError(w, r, err, "检查并发送"+label+"失败")
			return
		}
		count := len(res.Due)
		msg := "检查完成，当前没有即将到期的项目。"
		if count > 0 {
			msg = fmt.Sprintf("检查完成，发现 %d 个即将到期项目，并已尝试发送%s。", count, label)
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"message":   msg,
			"count":     count,
			"delivered": res.Delivered[channel],
		})
	}
}

func (s *Server) handleAutoRenew(w http.ResponseWriter, r *http.Request) {
	count, err := s.renewer.Run(s.now())
	if err != nil {
		s.internalError(w, r, err, "自动续期失败")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": fmt.Sprintf("自动续期完成，共新增 %d 条记录。", count),
		"count":   count,
	})
}

// --- Settings Handlers ---

func (s *Server) handleGetSettings(keys []string, redact, failMsg string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		values, err := s.settings.Get(keys...)
		if err != nil {
			s.internalError(w, r, err, failMsg)
			return
		}
		delete(values, redact)
		writeJSON(w, http.StatusOK, values)
	}
}

func (s *Server) handleSaveSettings(keys []string, okMsg, failMsg string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req map[string]json.RawMessage
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid request")
			return
		}
		update := make(map[string]*string)
		for _, key := range keys {
			raw, ok := req[key]
			if !ok {
				continue
			}
			v, err := settingValue(raw)
			if err != nil {
				writeError(w, http.StatusBadRequest, fmt.Sprintf("字段 %s 格式无效", key))
				return
			}
			update[key] = v
		}
		if len(update) == 0 {
			writeError(w, http.StatusBadRequest, "至少需要提供一个字段进行更新")
			return
		}
		if err := s.settings.Set(update); err != nil {
			s.internalError(w, r, err, failMsg)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"message": okMsg})
	}
}

// settingValue accepts a JSON string, number or null.
func settingValue(raw json.RawMessage) (*string, error) {
	var v interface{}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	switch t := v.(type) {
	case nil:
		return nil, nil
	case string:
		return &t, nil
	case json.Number:
		s := t.String()
		return &s, nil
	default:
		return nil, fmt.Errorf("unsupported setting value %s", raw)
	}
}

// --- Auth Handlers ---

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Password == "" {
		writeError(w, http.StatusBadRequest, "密码不能为空")
		return
	}
	ok, err := s.settings.VerifyPassword(req.Password)
	if err != nil {
		s.internalError(w, r, err, "内部服务器错误")
		return
	}
	if !ok {
		writeError(w, http.StatusUnauthorized, "密码错误")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "登录成功"})
}

func (s *Server) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	var req struct {
		OldPassword string `json:"oldPassword"`
		NewPassword string `json:"newPassword"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.OldPassword == "" || req.NewPassword == "" {
		writeError(w, http.StatusBadRequest, "密码不能为空")
		return
	}
	err := s.settings.SetPassword(req.OldPassword, req.NewPassword)
	if errors.Is(err, settings.ErrAuth) {
		writeError(w, http.StatusUnauthorized, "当前密码错误")
		return
	}
	if err != nil {
		s.internalError(w, r, err, "内部服务器错误")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "密码修改成功"})
}

// --- Helpers ---

// reminderID reads the {id} parameter. The route pattern only admits digits.
func reminderID(r *http.Request) int64 {
	id, _ := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	return id
}

func (s *Server) writeStoreError(w http.ResponseWriter, r *http.Request, err error, failMsg string) {
	var verr *model.ValidationError
	switch {
	case errors.As(err, &verr):
		if verr.Reason == "" {
			writeError(w, http.StatusBadRequest, "缺少必填字段: "+verr.Field)
		} else {
			writeError(w, http.StatusBadRequest, verr.Error())
		}
	case errors.Is(err, database.ErrNotFound):
		writeError(w, http.StatusNotFound, "Reminder not found")
	default:
		s.internalError(w, r, err, failMsg)
	}
}

// internalError logs err with the request id and sends a generic 500.
func (s *Server) internalError(w http.ResponseWriter, r *http.Request, err error, msg string) {
	s.log.WithFields(logrus.Fields{
		"request_id": middleware.GetReqID(r.Context()),
		"path":       r.URL.Path,
	}).WithError(err).Error(msg)
	writeError(w, http.StatusInternalServerError, msg)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

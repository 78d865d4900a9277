// Package http serves the stateless request surface: server info, settings,
// the gated file store and uploads. The websocket endpoint is mounted on the
// same listener so clients reach everything through one LAN URL.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"filedrop/access"
	"filedrop/model"
	"filedrop/service"
	"filedrop/store"

	"github.com/rs/zerolog"
)

const (
	defaultShutdownDeadline = 10 * time.Second

	defaultMaxUploadMemory = 32 << 20

	codeHeader = "X-FileDrop-Code"
)

var ErrUnexpected = errors.New("unexpected server error")

type (
	Hub interface {
		RequiresCode() bool
		SaveDir() string
		ListFiles(code string) ([]model.FileSummary, error)
		FetchFile(name, code string) (*os.File, model.FileSummary, error)
		DeleteFile(name, code string, admin bool) error
		Upload(declaredName, uploaderName, deviceID, code string, targetDeviceIDs []string, r io.Reader) (model.FileSummary, error)
		Settings(code string) (string, error)
		UpdateSettings(admin bool, saveDir, accessCode *string) (string, error)
		PickSaveDir(admin bool) (string, error)
	}

	Config struct {
		Logger     *zerolog.Logger
		Hub        Hub
		WSHandler  http.Handler
		ListenAddr string
	}

	Server struct {
		logger zerolog.Logger
		hub    Hub
		port   string
		*http.Server
	}
)

type InfoResponse struct {
	LanURL       string `json:"lan_url"`
	RequiresCode bool   `json:"requires_code"`
	IsAdmin      bool   `json:"is_admin"`
}

type SettingsResponse struct {
	SaveDir string `json:"save_dir"`
}

type SettingsRequest struct {
	SaveDir    *string `json:"save_dir"`
	AccessCode *string `json:"access_code"`
}

type FilesResponse struct {
	Files []model.FileSummary `json:"files"`
}

type ErrorResponse struct {
	Detail string `json:"detail"`
}

func NewServer(cfg Config) *Server {
	srv := &Server{
		logger: cfg.Logger.With().Str("component", "api-server").Logger(),
		hub:    cfg.Hub,
		port:   listenPort(cfg.ListenAddr),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /info", srv.info)
	mux.HandleFunc("GET /settings", srv.getSettings)
	mux.HandleFunc("POST /settings", srv.updateSettings)
	mux.HandleFunc("POST /settings/save-dialog", srv.saveDialog)
	mux.HandleFunc("GET /files", srv.listFiles)
	mux.HandleFunc("GET /files/{name}", srv.fetchFile)
	mux.HandleFunc("DELETE /files/{name}", srv.deleteFile)
	mux.HandleFunc("POST /upload", srv.upload)
	mux.HandleFunc("OPTIONS /", corsHandler)
	if cfg.WSHandler != nil {
		mux.Handle("GET /ws", cfg.WSHandler)
	}

	srv.Server = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: mux,
	}
	return srv
}

func (srv *Server) Run(ctx context.Context, wg *sync.WaitGroup, errc chan<- error) {
	defer func() {
		srv.logger.Debug().Msg("server stopped")
		wg.Done()
	}()

	hErr := make(chan error)
	go func() {
		hErr <- srv.ListenAndServe()
	}()

	srv.logger.Info().Str("addr", srv.Addr).Msg("server started")

	select {
	case err := <-hErr:
		if !errors.Is(err, http.ErrServerClosed) {
			errc <- errors.Join(ErrUnexpected, err)
		}
	case <-ctx.Done():
		shCtx, shCancel := context.WithTimeout(context.Background(), defaultShutdownDeadline)
		defer shCancel()
		if err := srv.Shutdown(shCtx); err != nil {
			srv.logger.Error().Err(err).Msg("server shutdown failed")
		}
	}
}

func corsHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "POST, GET, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, "+codeHeader)
	w.Header().Set("Access-Control-Max-Age", "86400")
	w.WriteHeader(http.StatusNoContent)
}

func (srv *Server) info(w http.ResponseWriter, r *http.Request) {
	lanIP := access.LanIP()
	srv.writeJSON(w, http.StatusOK, &InfoResponse{
		LanURL:       fmt.Sprintf("http://%s:%s", lanIP, srv.port),
		RequiresCode: srv.hub.RequiresCode(),
		IsAdmin:      access.IsAdminOrigin(r.RemoteAddr, lanIP),
	})
}

func (srv *Server) getSettings(w http.ResponseWriter, r *http.Request) {
	saveDir, err := srv.hub.Settings(requestCode(r))
	if err != nil {
		srv.writeError(w, err)
		return
	}
	srv.writeJSON(w, http.StatusOK, &SettingsResponse{SaveDir: saveDir})
}

func (srv *Server) updateSettings(w http.ResponseWriter, r *http.Request) {
	var req SettingsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		srv.writeDetail(w, http.StatusBadRequest, "malformed settings body")
		return
	}
	saveDir, err := srv.hub.UpdateSettings(srv.isAdmin(r), req.SaveDir, req.AccessCode)
	if err != nil {
		srv.writeError(w, err)
		return
	}
	srv.writeJSON(w, http.StatusOK, &SettingsResponse{SaveDir: saveDir})
}

func (srv *Server) saveDialog(w http.ResponseWriter, r *http.Request) {
	saveDir, err := srv.hub.PickSaveDir(srv.isAdmin(r))
	if err != nil {
		srv.writeError(w, err)
		return
	}
	srv.writeJSON(w, http.StatusOK, &SettingsResponse{SaveDir: saveDir})
}

func (srv *Server) listFiles(w http.ResponseWriter, r *http.Request) {
	files, err := srv.hub.ListFiles(requestCode(r))
	if err != nil {
		srv.writeError(w, err)
		return
	}
	if files == nil {
		files = []model.FileSummary{}
	}
	srv.writeJSON(w, http.StatusOK, &FilesResponse{Files: files})
}

func (srv *Server) fetchFile(w http.ResponseWriter, r *http.Request) {
	f, summary, err := srv.hub.FetchFile(r.PathValue("name"), requestCode(r))
	if err != nil {
		srv.writeError(w, err)
		return
	}
	defer func() {
		_ = f.Close()
	}()

	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.FormatInt(summary.Size, 10))
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", summary.Name))
	if _, err = io.Copy(w, f); err != nil {
		srv.logger.Warn().Err(err).Str("name", summary.Name).Msg("file download interrupted")
	}
}

func (srv *Server) deleteFile(w http.ResponseWriter, r *http.Request) {
	if err := srv.hub.DeleteFile(r.PathValue("name"), requestCode(r), srv.isAdmin(r)); err != nil {
		srv.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (srv *Server) upload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(defaultMaxUploadMemory); err != nil {
		srv.writeDetail(w, http.StatusBadRequest, "malformed multipart body")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		srv.writeDetail(w, http.StatusBadRequest, "missing file part")
		return
	}
	defer func() {
		_ = file.Close()
	}()

	code := requestCode(r)
	if code == "" {
		code = r.FormValue("code")
	}
	var targets []string
	for _, id := range strings.Split(r.FormValue("target_ids"), ",") {
		if id = strings.TrimSpace(id); id != "" {
			targets = append(targets, id)
		}
	}

	summary, err := srv.hub.Upload(
		header.Filename,
		r.FormValue("name"),
		r.FormValue("client_id"),
		code,
		targets,
		file,
	)
	if err != nil {
		srv.writeError(w, err)
		return
	}
	srv.writeJSON(w, http.StatusOK, &summary)
}

func (srv *Server) isAdmin(r *http.Request) bool {
	return access.IsAdminOrigin(r.RemoteAddr, access.LanIP())
}

// requestCode pulls the access code from the header or query string,
// header first.
func requestCode(r *http.Request) string {
	if code := r.Header.Get(codeHeader); code != "" {
		return code
	}
	return r.URL.Query().Get("code")
}

func (srv *Server) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, access.ErrInvalidCode):
		srv.writeDetail(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, service.ErrForbidden):
		srv.writeDetail(w, http.StatusForbidden, err.Error())
	case errors.Is(err, store.ErrNotFound):
		srv.writeDetail(w, http.StatusNotFound, err.Error())
	default:
		srv.logger.Error().Err(err).Msg("request failed")
		srv.writeDetail(w, http.StatusInternalServerError, err.Error())
	}
}

func (srv *Server) writeDetail(w http.ResponseWriter, status int, detail string) {
	srv.writeJSON(w, status, &ErrorResponse{Detail: detail})
}

func (srv *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.Itoa(len(b)))
	w.WriteHeader(status)
	if _, err = w.Write(b); err != nil {
		srv.logger.Warn().Err(err).Msg("failed to write response")
	}
}

func listenPort(addr string) string {
	if _, port, err := net.SplitHostPort(addr); err == nil && port != "" {
		return port
	}
	return "8000"
}

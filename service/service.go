// Package service implements the hub operations: handshake, note and kick
// routing, capability changes, the gated file surface and server settings.
package service

import (
	"errors"
	"io"
	"os"
	"strings"

	"filedrop/access"
	"filedrop/model"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	ErrForbidden = errors.New("admin required")
	ErrNoPicker  = errors.New("folder picker not available")
)

const (
	maxNameLen = 40
	maxNoteLen = 4000
	guestName  = "Guest"
)

type (
	Sessions interface {
		Register(deviceID, name string, canReceive, admin bool, wire model.Wire) model.Session
		Unregister(sessionID string)
		UpdateCapability(sessionID string, canReceive bool) bool
		Get(sessionID string) (model.Session, bool)
		List() []model.Session
		Broadcast(frame any, exceptSessionID string)
		SendTo(sessionIDs []string, frame any)
		NotifyDevices(deviceIDs []string, excludeDeviceID string, frame any)
	}

	Files interface {
		Dir() string
		SetDir(dir string) error
		List() ([]model.FileSummary, error)
		Open(name string) (*os.File, model.FileSummary, error)
		Delete(name string) error
		Save(declaredName, uploader string, r io.Reader) (model.FileSummary, error)
	}

	Config struct {
		Sessions Sessions
		Files    Files
		Guard    *access.Guard
		Logger   *zerolog.Logger

		// PickDir is the host-side folder picker hook. The dialog itself
		// lives outside this module; nil means the save-dialog operation
		// is unavailable.
		PickDir func() (string, error)
	}

	Service struct {
		sessions Sessions
		files    Files
		guard    *access.Guard
		pickDir  func() (string, error)
		logger   zerolog.Logger
	}
)

func NewService(cfg Config) *Service {
	return &Service{
		sessions: cfg.Sessions,
		files:    cfg.Files,
		guard:    cfg.Guard,
		pickDir:  cfg.PickDir,
		logger:   cfg.Logger.With().Str("component", "hub").Logger(),
	}
}

func (svc *Service) RequiresCode() bool {
	return svc.guard.RequiresCode()
}

func (svc *Service) SaveDir() string {
	return svc.files.Dir()
}

// Handshake validates the hello frame and registers the session.
// adminOrigin is decided by the transport layer from the connection origin.
func (svc *Service) Handshake(hello model.Hello, adminOrigin bool, wire model.Wire) (model.Welcome, error) {
	if err := svc.guard.Validate(hello.Code); err != nil {
		return model.Welcome{}, err
	}
	name := sanitizeName(hello.Name)
	deviceID := hello.DeviceID
	if deviceID == "" {
		deviceID = uuid.New().String()
	}
	canReceive := true
	if hello.CanReceive != nil {
		canReceive = *hello.CanReceive
	}
	s := svc.sessions.Register(deviceID, name, canReceive, adminOrigin, wire)
	return model.Welcome{
		Kind:      model.KindWelcome,
		SessionID: s.SessionID,
		Name:      s.Name,
		DeviceID:  s.DeviceID,
		Admin:     s.Admin,
	}, nil
}

// Leave tears the session down. Safe to call more than once.
func (svc *Service) Leave(sessionID string) {
	svc.sessions.Unregister(sessionID)
}

// Note fans the text out: to every other session when no targets are given,
// otherwise only to the listed session ids still present in the roster.
// Stale ids are dropped silently and the sender never gets an echo.
func (svc *Service) Note(sessionID string, in model.Note) {
	sender, ok := svc.sessions.Get(sessionID)
	if !ok {
		return
	}
	out := &model.Note{
		Kind:      model.KindNote,
		Text:      truncate(in.Text, maxNoteLen),
		From:      sender.Name,
		SessionID: sender.SessionID,
	}
	if len(in.To) == 0 {
		svc.sessions.Broadcast(out, sessionID)
		return
	}
	targets := make([]string, 0, len(in.To))
	for _, id := range in.To {
		if id != sessionID {
			targets = append(targets, id)
		}
	}
	svc.sessions.SendTo(targets, out)
}

func (svc *Service) SetMode(sessionID string, canReceive bool) {
	svc.sessions.UpdateCapability(sessionID, canReceive)
}

// SendError delivers a structured error frame to one session. Routed through
// the registry so it cannot race the session's teardown.
func (svc *Service) SendError(sessionID, detail string) {
	svc.sessions.SendTo([]string{sessionID}, &model.ErrorFrame{
		Kind:   model.KindError,
		Detail: detail,
	})
}

// Kick removes the target session and force-closes its transport. The code
// gates it like any other operation; admin comes from the sender's session,
// which got it from its connection origin.
func (svc *Service) Kick(senderID, targetID, code string) error {
	if err := svc.guard.Validate(code); err != nil {
		return err
	}
	sender, ok := svc.sessions.Get(senderID)
	if !ok || !sender.Admin {
		return ErrForbidden
	}
	svc.logger.Info().
		Str("sessionID", senderID).
		Str("target", targetID).
		Msg("session kicked")
	svc.sessions.Unregister(targetID)
	return nil
}

func (svc *Service) ListFiles(code string) ([]model.FileSummary, error) {
	if err := svc.guard.Validate(code); err != nil {
		return nil, err
	}
	return svc.files.List()
}

func (svc *Service) FetchFile(name, code string) (*os.File, model.FileSummary, error) {
	if err := svc.guard.Validate(code); err != nil {
		return nil, model.FileSummary{}, err
	}
	return svc.files.Open(name)
}

func (svc *Service) DeleteFile(name, code string, admin bool) error {
	if err := svc.guard.Validate(code); err != nil {
		return err
	}
	if !admin {
		return ErrForbidden
	}
	return svc.files.Delete(name)
}

// Upload persists the stream under a collision-safe name and notifies the
// resolved recipient set: every receive-capable session of the listed
// devices, or every receive-capable session server-wide when none are
// listed, always excluding the uploader's own device.
func (svc *Service) Upload(declaredName, uploaderName, deviceID, code string, targetDeviceIDs []string, r io.Reader) (model.FileSummary, error) {
	if err := svc.guard.Validate(code); err != nil {
		return model.FileSummary{}, err
	}
	from := sanitizeName(uploaderName)
	summary, err := svc.files.Save(declaredName, from, r)
	if err != nil {
		return model.FileSummary{}, err
	}
	notice := &model.FileNotice{
		Kind: model.KindFile,
		Name: summary.Name,
		Size: summary.Size,
		From: from,
	}
	svc.sessions.NotifyDevices(targetDeviceIDs, deviceID, notice)
	return summary, nil
}

func (svc *Service) Settings(code string) (string, error) {
	if err := svc.guard.Validate(code); err != nil {
		return "", err
	}
	return svc.files.Dir(), nil
}

// UpdateSettings changes the save directory and/or access code and
// broadcasts the new settings to every session. Admin only.
func (svc *Service) UpdateSettings(admin bool, saveDir, accessCode *string) (string, error) {
	if !admin {
		return "", ErrForbidden
	}
	if saveDir != nil && *saveDir != "" {
		if err := svc.files.SetDir(*saveDir); err != nil {
			return "", err
		}
	}
	if accessCode != nil {
		svc.guard.SetCode(*accessCode)
	}
	svc.broadcastSettings()
	return svc.files.Dir(), nil
}

// PickSaveDir runs the injected folder picker and applies the choice.
// Admin only.
func (svc *Service) PickSaveDir(admin bool) (string, error) {
	if !admin {
		return "", ErrForbidden
	}
	if svc.pickDir == nil {
		return "", ErrNoPicker
	}
	dir, err := svc.pickDir()
	if err != nil {
		return "", err
	}
	if err := svc.files.SetDir(dir); err != nil {
		return "", err
	}
	svc.broadcastSettings()
	return dir, nil
}

func (svc *Service) broadcastSettings() {
	svc.sessions.Broadcast(&model.Settings{
		Kind:         model.KindSettings,
		SaveDir:      svc.files.Dir(),
		RequiresCode: svc.guard.RequiresCode(),
	}, "")
}

func sanitizeName(name string) string {
	trimmed := truncate(strings.TrimSpace(name), maxNameLen)
	if trimmed == "" {
		return guestName
	}
	return trimmed
}

func truncate(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}

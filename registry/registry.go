package registry

import (
	"sync"

	"filedrop/model"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type session struct {
	model.Session
	wire model.Wire
}

// Registry owns the live session set. Every mutation and the roster
// broadcast it triggers happen under one mutex, so a broadcast always
// reflects exactly the set it was derived from and broadcasts are ordered
// per mutation.
type Registry struct {
	logger zerolog.Logger
	mx     sync.Mutex
	byID   map[string]*session
	order  []string // session ids in join order
}

func New(logger *zerolog.Logger) *Registry {
	return &Registry{
		logger: logger.With().Str("component", "registry").Logger(),
		byID:   make(map[string]*session),
	}
}

// Register assigns a fresh session id, stores the session and rebroadcasts
// the roster to everyone, including the new session itself.
func (r *Registry) Register(deviceID, name string, canReceive, admin bool, wire model.Wire) model.Session {
	r.mx.Lock()
	defer r.mx.Unlock()

	s := &session{
		Session: model.Session{
			SessionID:  uuid.New().String(),
			DeviceID:   deviceID,
			Name:       name,
			CanReceive: canReceive,
			Admin:      admin,
		},
		wire: wire,
	}
	r.byID[s.SessionID] = s
	r.order = append(r.order, s.SessionID)

	r.logger.Debug().
		Str("sessionID", s.SessionID).
		Str("deviceID", deviceID).
		Str("name", name).
		Bool("admin", admin).
		Msg("session registered")

	r.broadcastRosterLocked()
	return s.Session
}

// Unregister removes the session, closes its outbound wire (which makes the
// connection's write loop exit and close the transport) and rebroadcasts the
// roster. Unknown ids are a no-op.
func (r *Registry) Unregister(sessionID string) {
	r.mx.Lock()
	defer r.mx.Unlock()

	s, ok := r.byID[sessionID]
	if !ok {
		return
	}
	delete(r.byID, sessionID)
	for i, id := range r.order {
		if id == sessionID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	close(s.wire.TX)

	r.logger.Debug().Str("sessionID", sessionID).Msg("session unregistered")
	r.broadcastRosterLocked()
}

// UpdateCapability flips the session's can_receive flag and rebroadcasts the
// roster. Returns false for unknown ids.
func (r *Registry) UpdateCapability(sessionID string, canReceive bool) bool {
	r.mx.Lock()
	defer r.mx.Unlock()

	s, ok := r.byID[sessionID]
	if !ok {
		return false
	}
	s.CanReceive = canReceive
	r.broadcastRosterLocked()
	return true
}

// Get returns a snapshot of one session.
func (r *Registry) Get(sessionID string) (model.Session, bool) {
	r.mx.Lock()
	defer r.mx.Unlock()

	s, ok := r.byID[sessionID]
	if !ok {
		return model.Session{}, false
	}
	return s.Session, true
}

// List returns the sessions in join order.
func (r *Registry) List() []model.Session {
	r.mx.Lock()
	defer r.mx.Unlock()
	return r.snapshotLocked()
}

// Broadcast enqueues the frame to every session except the given one.
// Empty exceptSessionID means everyone.
func (r *Registry) Broadcast(frame any, exceptSessionID string) {
	r.mx.Lock()
	defer r.mx.Unlock()

	for _, id := range r.order {
		if id == exceptSessionID {
			continue
		}
		r.sendLocked(r.byID[id], frame)
	}
}

// SendTo enqueues the frame to the listed sessions. Ids not present in the
// live set are skipped silently.
func (r *Registry) SendTo(sessionIDs []string, frame any) {
	r.mx.Lock()
	defer r.mx.Unlock()

	for _, id := range sessionIDs {
		if s, ok := r.byID[id]; ok {
			r.sendLocked(s, frame)
		}
	}
}

// NotifyDevices enqueues the frame to every receive-capable session whose
// device is in deviceIDs, or to every receive-capable session when deviceIDs
// is empty. Sessions of excludeDeviceID never receive it.
func (r *Registry) NotifyDevices(deviceIDs []string, excludeDeviceID string, frame any) {
	r.mx.Lock()
	defer r.mx.Unlock()

	var want map[string]struct{}
	if len(deviceIDs) > 0 {
		want = make(map[string]struct{}, len(deviceIDs))
		for _, id := range deviceIDs {
			want[id] = struct{}{}
		}
	}
	for _, id := range r.order {
		s := r.byID[id]
		if !s.CanReceive || s.DeviceID == excludeDeviceID {
			continue
		}
		if want != nil {
			if _, ok := want[s.DeviceID]; !ok {
				continue
			}
		}
		r.sendLocked(s, frame)
	}
}

func (r *Registry) snapshotLocked() []model.Session {
	items := make([]model.Session, 0, len(r.order))
	for _, id := range r.order {
		items = append(items, r.byID[id].Session)
	}
	return items
}

func (r *Registry) broadcastRosterLocked() {
	frame := &model.Clients{Kind: model.KindClients, Items: r.snapshotLocked()}
	for _, id := range r.order {
		r.sendLocked(r.byID[id], frame)
	}
}

// sendLocked never blocks: a session whose buffer is full has the frame
// dropped, its write loop is already wedged and the connection will be
// reaped once the transport errors out.
func (r *Registry) sendLocked(s *session, frame any) {
	select {
	case s.wire.TX <- frame:
	default:
		r.logger.Warn().
			Str("sessionID", s.SessionID).
			Msg("outbound buffer full, frame dropped")
	}
}

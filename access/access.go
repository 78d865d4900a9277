// Package access gates file and settings operations behind the optional
// server-wide code and derives admin status from connection origin.
// The code authorizes content access only; admin is never satisfiable by
// presenting it.
package access

import (
	"errors"
	"sync"
)

var ErrInvalidCode = errors.New("invalid access code")

// Guard holds the access code. An empty code means open access.
type Guard struct {
	mx   sync.RWMutex
	code string
}

func NewGuard(code string) *Guard {
	return &Guard{code: code}
}

func (g *Guard) RequiresCode() bool {
	g.mx.RLock()
	defer g.mx.RUnlock()
	return g.code != ""
}

func (g *Guard) SetCode(code string) {
	g.mx.Lock()
	defer g.mx.Unlock()
	g.code = code
}

// Validate checks a supplied code against the configured one. Used both for
// the handshake and for every gated file/settings operation.
func (g *Guard) Validate(code string) error {
	g.mx.RLock()
	defer g.mx.RUnlock()

	if g.code == "" {
		return nil
	}
	if code != g.code {
		return ErrInvalidCode
	}
	return nil
}

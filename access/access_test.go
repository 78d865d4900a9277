package access

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGuardOpenAccess(t *testing.T) {
	g := NewGuard("")
	assert.False(t, g.RequiresCode())
	assert.NoError(t, g.Validate(""))
	assert.NoError(t, g.Validate("anything"))
}

func TestGuardConfiguredCode(t *testing.T) {
	g := NewGuard("1234")
	assert.True(t, g.RequiresCode())
	assert.NoError(t, g.Validate("1234"))
	assert.ErrorIs(t, g.Validate(""), ErrInvalidCode)
	assert.ErrorIs(t, g.Validate("4321"), ErrInvalidCode)
}

func TestGuardSetCode(t *testing.T) {
	g := NewGuard("1234")
	g.SetCode("")
	assert.False(t, g.RequiresCode())
	assert.NoError(t, g.Validate("whatever"))

	g.SetCode("secret")
	assert.ErrorIs(t, g.Validate("1234"), ErrInvalidCode)
	assert.NoError(t, g.Validate("secret"))
}

func TestIsAdminOrigin(t *testing.T) {
	lan := "192.168.1.20"

	assert.True(t, IsAdminOrigin("127.0.0.1:54321", lan))
	assert.True(t, IsAdminOrigin("[::1]:54321", lan))
	assert.True(t, IsAdminOrigin("192.168.1.20:1000", lan))
	assert.False(t, IsAdminOrigin("192.168.1.21:1000", lan))
	assert.False(t, IsAdminOrigin("203.0.113.9:443", lan))
	// Bare host without port still resolves.
	assert.True(t, IsAdminOrigin("127.0.0.1", lan))
}

func TestScoreIP(t *testing.T) {
	assert.Equal(t, 3, scoreIP("192.168.0.10"))
	assert.Equal(t, 2, scoreIP("10.1.2.3"))
	assert.Equal(t, 1, scoreIP("172.16.0.1"))
	assert.Equal(t, 1, scoreIP("172.31.255.1"))
	assert.Equal(t, 0, scoreIP("172.32.0.1"))
	assert.Equal(t, 0, scoreIP("8.8.8.8"))
}

func TestLanIPReturnsSomething(t *testing.T) {
	assert.NotEmpty(t, LanIP())
}

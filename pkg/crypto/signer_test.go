package crypto

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignVerify(t *testing.T) {
	s, err := NewSigner("0123456789abcdef0123")
	require.NoError(t, err)

	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	body := []byte(`{"problem_id":"p1"}`)
	header := s.Sign(body, now)

	assert.NoError(t, s.Verify(header, body, now.Add(time.Minute), 5*time.Minute))
	assert.ErrorIs(t, s.Verify(header, []byte(`{}`), now, 5*time.Minute), ErrInvalidSignature)
	assert.ErrorIs(t, s.Verify(header, body, now.Add(time.Hour), 5*time.Minute), ErrInvalidSignature)
	assert.ErrorIs(t, s.Verify("garbage", body, now, 0), ErrInvalidSignature)
}

func TestNewSignerRejectsShortSecret(t *testing.T) {
	_, err := NewSigner("short")
	assert.Error(t, err)
}

package tenant

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cadence/internal/command"
	"cadence/internal/domain"
	"cadence/internal/schedule"
)

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	a := schedule.New(nil, command.Builtins())
	b := schedule.New(nil, command.Builtins())

	closed := 0
	require.NoError(t, r.Add("zeta", a, func() error { closed++; return nil }))
	require.NoError(t, r.Add("alpha", b, func() error { closed++; return errors.New("busy") }))

	assert.Equal(t, []string{"zeta", "alpha"}, r.Names())

	got, err := r.Get("alpha")
	require.NoError(t, err)
	assert.Same(t, b, got)

	_, err = r.Get("missing")
	assert.True(t, errors.Is(err, domain.ErrInvalidArgument))

	assert.True(t, errors.Is(r.Add("zeta", a, nil), domain.ErrInvalidArgument))
	assert.True(t, errors.Is(r.Add("", a, nil), domain.ErrInvalidArgument))

	err = r.Close()
	assert.EqualError(t, err, "busy")
	assert.Equal(t, 2, closed)
}

package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"forgeline/internal/domain"
)

func TestLockForgetsReleasedInstances(t *testing.T) {
	e := &Engine{busy: map[string]struct{}{}}
	unlock, err := e.lock("wf-1")
	require.NoError(t, err)
	_, err = e.lock("wf-1")
	assert.ErrorIs(t, err, domain.ErrInstanceBusy)

	other, err := e.lock("wf-2")
	require.NoError(t, err)
	other()
	unlock()
	assert.Empty(t, e.busy)

	again, err := e.lock("wf-1")
	require.NoError(t, err)
	again()
	assert.Empty(t, e.busy)
}

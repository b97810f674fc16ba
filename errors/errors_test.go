package errors

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSentinelWrappingPreservesKind(t *testing.T) {
	err := Wrap(ErrFetchFailed, "listing page 7")
	err = Wrapf(err, "invocation %d", 3)

	assert.True(t, Is(err, ErrFetchFailed))
	assert.False(t, Is(err, ErrPermissionFetch))
}

func TestIsNoJob(t *testing.T) {
	assert.False(t, IsNoJob(nil))
	assert.False(t, IsNoJob(New("other")))
	assert.True(t, IsNoJob(Wrap(ErrNoJob, "load state")))
}

func TestIsStaleState(t *testing.T) {
	assert.True(t, IsStaleState(Wrap(ErrStaleState, "save checkpoint")))
	assert.False(t, IsStaleState(ErrCheckpointCorrupt))
}

func TestIsCheckpointCorrupt(t *testing.T) {
	err := WithDetail(Wrap(ErrCheckpointCorrupt, "phase column"), "value: BOGUS")
	assert.True(t, IsCheckpointCorrupt(err))

	details := GetAllDetails(err)
	assert.Contains(t, details, "value: BOGUS")
}

package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRollCallPayload(t *testing.T) {
	t.Parallel()
	require := require.New(t)
	assert := assert.New(t)

	payload, err := rollCallPayload("nodeA", []uint32{777, 778})
	require.NoError(err)
	assert.JSONEq(`{"node":"nodeA","jobs":[777,778]}`, string(payload))

	// no jobs serializes as an empty list, not null
	payload, err = rollCallPayload("nodeA", nil)
	require.NoError(err)
	assert.Equal(`{"node":"nodeA","jobs":[]}`, string(payload))
}

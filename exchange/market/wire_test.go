package market

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscribeEnvelope(t *testing.T) {
	env, err := NewEnvelope(MsgSubscribe, SubscribeMsg{Categories: []string{"mail", "calendar"}})
	require.NoError(t, err)
	assert.Equal(t, MsgSubscribe, env.Type)

	var msg SubscribeMsg
	require.NoError(t, json.Unmarshal(env.Payload, &msg))
	assert.Equal(t, []string{"mail", "calendar"}, msg.Categories)
}

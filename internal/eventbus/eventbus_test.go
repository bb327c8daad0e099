package eventbus

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestEnvelope_WireShape(t *testing.T) {
	env := Envelope{
		Type:      EventProgress,
		Data:      map[string]any{"progress": 25},
		Timestamp: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	raw, err := json.Marshal(env)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	require.Equal(t, "progress", decoded["type"])
	require.Contains(t, decoded, "data")
	require.Contains(t, decoded, "timestamp")

	var back Envelope
	require.NoError(t, json.Unmarshal(raw, &back))
	require.Equal(t, env.Type, back.Type)
	require.True(t, env.Timestamp.Equal(back.Timestamp))
}

func TestLoggingPublisher(t *testing.T) {
	p := NewLoggingPublisher()
	err := p.Publish(context.Background(), "task-1", Envelope{Type: EventLog, Data: map[string]any{"line": "hello"}})
	require.NoError(t, err)
}

package messaging

import (
	"context"
	"errors"
	"strings"
	"testing"

	logx "autopilot/pkg/logx"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenDefaultsToLog(t *testing.T) {
	m, err := Open(Config{}, logx.Nop())
	require.NoError(t, err)
	require.NoError(t, m.CreateThread(context.Background(), Thread{Key: "task_x_1"}))
	require.NoError(t, m.Publish(context.Background(), Message{Channel: "acme", Text: "hi"}))

	_, err = Open(Config{Driver: "carrier-pigeon"}, logx.Nop())
	require.Error(t, err)
}

func TestMemoryRecordsAndFails(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	require.NoError(t, m.CreateThread(ctx, Thread{Key: "k"}))
	m.SetThreadErr(errors.New("down"))
	require.Error(t, m.CreateThread(ctx, Thread{Key: "k2"}))
	assert.Len(t, m.Threads(), 1)

	f := Forwarder{M: m, Channel: "ops"}
	require.NoError(t, f.Forward(ctx, "[WARN] disk"))
	msgs := m.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, KindLog, msgs[0].Kind)
	assert.Equal(t, "ops", msgs[0].Channel)

	require.NoError(t, m.Close())
	require.ErrorIs(t, m.Publish(ctx, Message{}), ErrClosed)
}

func TestSubjectToken(t *testing.T) {
	assert.Equal(t, "clients.acme_co.2025", subjectToken("/clients/acme co/2025/"))
	assert.Equal(t, "_", subjectToken(""))
}

func TestSplitText(t *testing.T) {
	s := strings.Repeat("a", 30) + "\n" + strings.Repeat("b", 30)
	chunks := splitText(s, 40)
	require.Len(t, chunks, 2)
	assert.Equal(t, strings.Repeat("a", 30), chunks[0])
	assert.Equal(t, strings.Repeat("b", 30), chunks[1])
	assert.Equal(t, []string{"short"}, splitText("short", 40))
}

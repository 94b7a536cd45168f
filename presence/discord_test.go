package presence

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const readyReply = `{"cmd":"DISPATCH","evt":"READY","data":{"v":1}}`

// silentDiscord answers the handshake and then never replies until the socket is closed
func silentDiscord(t *testing.T, answerHandshake bool) (*Discord, *int) {
	t.Helper()
	closed := 0
	release := make(chan struct{})
	var once sync.Once
	t.Cleanup(func() { once.Do(func() { close(release) }) })

	d := &Discord{
		timeout:    20 * time.Millisecond,
		openSocket: func() error { return nil },
		send: func(opcode int, payload string) string {
			if opcode == opHandshake && answerHandshake {
				return readyReply
			}
			<-release
			return ""
		},
		closeSocket: func() {
			closed++
			once.Do(func() { close(release) })
		},
	}
	return d, &closed
}

func TestDiscordHandshake(t *testing.T) {
	t.Parallel()
	d, _ := silentDiscord(t, true)
	require.NoError(t, d.Init("111"))
	assert.True(t, d.IsConnected())
}

func TestDiscordSilentHandshakeFails(t *testing.T) {
	t.Parallel()
	d, closed := silentDiscord(t, false)
	assert.ErrorIs(t, d.Init("111"), errNoReply)
	assert.False(t, d.IsConnected())
	assert.Equal(t, 1, *closed)
}

func TestDiscordSilentPingDisconnects(t *testing.T) {
	t.Parallel()
	d, closed := silentDiscord(t, true)
	require.NoError(t, d.Init("111"))

	d.PumpCallbacks()
	assert.False(t, d.IsConnected())
	assert.Equal(t, 1, *closed)
	assert.ErrorIs(t, d.Update(Activity{Details: "song"}), ErrNotConnected)
}

func TestDiscordSilentUpdateDisconnects(t *testing.T) {
	t.Parallel()
	d, _ := silentDiscord(t, true)
	require.NoError(t, d.Init("111"))

	assert.ErrorIs(t, d.Update(Activity{Details: "song"}), errNoReply)
	assert.False(t, d.IsConnected())
}

func TestDiscordUpdate(t *testing.T) {
	t.Parallel()
	var frames []string
	d := &Discord{
		timeout:    time.Second,
		openSocket: func() error { return nil },
		send: func(opcode int, payload string) string {
			if opcode == opHandshake {
				return readyReply
			}
			frames = append(frames, payload)
			return `{"cmd":"SET_ACTIVITY","evt":null,"data":{}}`
		},
		closeSocket: func() {},
	}
	require.NoError(t, d.Init("111"))
	require.NoError(t, d.Update(Activity{Kind: "listening", Details: "Idioteque"}))
	require.NoError(t, d.Clear())

	require.Len(t, frames, 2)
	assert.Contains(t, frames[0], `"details":"Idioteque"`)
	assert.Contains(t, frames[1], `"activity":null`)
}

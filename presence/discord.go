package presence

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/hugolgst/rich-go/ipc"

	"github.com/marcus-crane/playerlink/settings"
)

var ErrNotConnected = errors.New("presence connection is not open")

var errNoReply = errors.New("discord did not reply in time")

const replyTimeout = 5 * time.Second

const (
	opHandshake = 0
	opFrame     = 1
	opPing      = 3
)

// Discord activity types. 1 is streaming which needs a twitch url so it isn't offered.
const (
	activityPlaying   = 0
	activityListening = 2
	activityWatching  = 3
)

func activityType(kind settings.ActivityKind) int {
	switch kind {
	case settings.KindPlaying:
		return activityPlaying
	case settings.KindWatching:
		return activityWatching
	default:
		return activityListening
	}
}

type handshake struct {
	V        string `json:"v"`
	ClientID string `json:"client_id"`
}

type frame struct {
	Cmd   string    `json:"cmd"`
	Args  frameArgs `json:"args"`
	Nonce string    `json:"nonce"`
}

type frameArgs struct {
	Pid      int              `json:"pid"`
	Activity *activityPayload `json:"activity"`
}

type activityPayload struct {
	Type       int                `json:"type"`
	Details    string             `json:"details,omitempty"`
	State      string             `json:"state,omitempty"`
	Assets     *assetsPayload     `json:"assets,omitempty"`
	Timestamps *timestampsPayload `json:"timestamps,omitempty"`
	Buttons    []Button           `json:"buttons,omitempty"`
}

type assetsPayload struct {
	LargeImage string `json:"large_image,omitempty"`
	LargeText  string `json:"large_text,omitempty"`
	SmallImage string `json:"small_image,omitempty"`
	SmallText  string `json:"small_text,omitempty"`
}

type timestampsPayload struct {
	Start int64 `json:"start,omitempty"`
	End   int64 `json:"end,omitempty"`
}

type response struct {
	Cmd  string `json:"cmd"`
	Evt  string `json:"evt"`
	Data struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"data"`
}

// Discord talks to the local Discord client over its IPC socket. rich-go keeps the
// socket in a package global so only one Discord should exist per process.
type Discord struct {
	mu        sync.Mutex
	open      bool
	connected bool
	pid       int
	timeout   time.Duration

	openSocket  func() error
	send        func(opcode int, payload string) string
	closeSocket func()
}

func NewDiscord() *Discord {
	return &Discord{
		pid:         os.Getpid(),
		timeout:     replyTimeout,
		openSocket:  func() error { return ipc.OpenSocket() },
		send:        func(opcode int, payload string) string { return ipc.Send(opcode, payload) },
		closeSocket: func() { ipc.CloseSocket() },
	}
}

func (d *Discord) Init(clientID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.open {
		d.closeSocket()
		d.open = false
		d.connected = false
	}

	if err := d.openSocket(); err != nil {
		return fmt.Errorf("failed to open discord socket: %w", err)
	}
	d.open = true

	payload, err := json.Marshal(handshake{V: "1", ClientID: clientID})
	if err != nil {
		return err
	}
	reply, err := d.roundTrip(opHandshake, string(payload))
	if err != nil {
		return err
	}
	if !strings.Contains(reply, "READY") {
		return fmt.Errorf("discord rejected handshake: %q", reply)
	}
	d.connected = true
	return nil
}

func (d *Discord) IsConnected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connected
}

// PumpCallbacks pings the client. An empty reply means the socket was closed on us.
func (d *Discord) PumpCallbacks() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.connected {
		return
	}
	reply, err := d.roundTrip(opPing, fmt.Sprintf(`{"nonce":%q}`, uuid.NewString()))
	if err == nil && reply == "" {
		d.connected = false
	}
}

func (d *Discord) Update(activity Activity) error {
	payload := encodeActivity(activity)
	return d.setActivity(&payload)
}

func (d *Discord) Clear() error {
	return d.setActivity(nil)
}

func (d *Discord) setActivity(activity *activityPayload) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.connected {
		return ErrNotConnected
	}

	data, err := json.Marshal(frame{
		Cmd:   "SET_ACTIVITY",
		Args:  frameArgs{Pid: d.pid, Activity: activity},
		Nonce: uuid.NewString(),
	})
	if err != nil {
		return err
	}

	reply, err := d.roundTrip(opFrame, string(data))
	if err != nil {
		return err
	}
	if reply == "" {
		d.connected = false
		return ErrNotConnected
	}
	return checkReply(reply)
}

func (d *Discord) Shutdown() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.open {
		d.closeSocket()
	}
	d.open = false
	d.connected = false
}

// roundTrip must be called with mu held. rich-go reads replies without a deadline,
// so a client that stops answering is treated as gone. Closing the socket also
// unblocks the abandoned read.
func (d *Discord) roundTrip(opcode int, payload string) (string, error) {
	reply := make(chan string, 1)
	go func() { reply <- d.send(opcode, payload) }()

	timer := time.NewTimer(d.timeout)
	defer timer.Stop()
	select {
	case r := <-reply:
		return r, nil
	case <-timer.C:
		d.closeSocket()
		d.open = false
		d.connected = false
		return "", errNoReply
	}
}

// checkReply only looks for explicit errors. Replies can be truncated by the
// fixed size read buffer, in which case they're assumed fine.
func checkReply(reply string) error {
	var r response
	if err := json.Unmarshal([]byte(reply), &r); err != nil {
		return nil
	}
	if r.Evt == "ERROR" {
		return fmt.Errorf("discord error %d: %s", r.Data.Code, r.Data.Message)
	}
	return nil
}

func encodeActivity(a Activity) activityPayload {
	payload := activityPayload{
		Type:    activityType(a.Kind),
		Details: truncate(a.Details, 128),
		State:   truncate(a.State, 128),
		Assets: &assetsPayload{
			LargeImage: a.LargeImage,
			LargeText:  truncate(a.LargeText, 128),
			SmallImage: a.SmallImage,
			SmallText:  truncate(a.SmallText, 128),
		},
	}
	if a.Start != nil || a.End != nil {
		payload.Timestamps = &timestampsPayload{}
		if a.Start != nil {
			payload.Timestamps.Start = a.Start.UnixMilli()
		}
		if a.End != nil {
			payload.Timestamps.End = a.End.UnixMilli()
		}
	}
	for _, b := range a.Buttons {
		if len(payload.Buttons) == 2 {
			break
		}
		payload.Buttons = append(payload.Buttons, Button{Label: truncate(b.Label, 32), URL: b.URL})
	}
	return payload
}

// truncate caps s at max runes as Discord rejects longer fields outright
func truncate(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return string(runes[:max-1]) + "…"
}

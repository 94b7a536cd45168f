package events

import "github.com/r3labs/sse/v2"

const PlaybackStream = "playback"

var Server *sse.Server

func Init() {
	server := sse.New()
	server.AutoReplay = false
	server.CreateStream(PlaybackStream)
	Server = server
}

// Publish is a no-op until Init has run, which keeps tests and headless runs quiet
func Publish(stream string, event *sse.Event) {
	if Server == nil {
		return
	}
	Server.Publish(stream, event)
}

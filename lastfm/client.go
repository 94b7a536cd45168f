package lastfm

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shkh/lastfm-go/lastfm"
)

// ErrNotAuthenticated is returned when scrobbling before a session exists.
var ErrNotAuthenticated = errors.New("not authenticated")

// ErrMissingCredentials is returned when any credential field is blank.
var ErrMissingCredentials = errors.New("username, password, api key and api secret are all required")

// ErrTimeout is returned when Last.fm doesn't answer within the request timeout.
var ErrTimeout = errors.New("last.fm did not respond in time")

// ErrSuperseded is returned by a sign in that finished after a newer sign in or sign out.
var ErrSuperseded = errors.New("sign in was superseded")

const requestTimeout = 15 * time.Second

type Credentials struct {
	Username  string
	Password  string
	APIKey    string
	APISecret string
}

func (c Credentials) complete() bool {
	return c.Username != "" && c.Password != "" && c.APIKey != "" && c.APISecret != ""
}

// api is the slice of lastfm-go we use. Request signing happens in there.
type api interface {
	Login(username, password string) error
	GetSessionKey() string
	Scrobble(params lastfm.P) error
}

type libraryAPI struct {
	*lastfm.Api
}

func (l libraryAPI) Scrobble(params lastfm.P) error {
	_, err := l.Api.Track.Scrobble(params)
	return err
}

func newLibraryAPI(key, secret string) api {
	return libraryAPI{lastfm.New(key, secret)}
}

// Client holds one Last.fm session shared by the poll loop and the API. The lock
// only guards the session; requests run without it.
type Client struct {
	mu         sync.Mutex
	newAPI     func(key, secret string) api
	api        api
	username   string
	sessionKey string
	// attempt increments on every sign in and sign out so a slow login can't
	// overwrite something newer
	attempt uint64

	now     func() time.Time
	timeout time.Duration
}

func New() *Client {
	return &Client{
		newAPI:  newLibraryAPI,
		now:     time.Now,
		timeout: requestTimeout,
	}
}

// Authenticate exchanges a username and password for a mobile session. The
// existing session, if any, is only replaced when the new one succeeds and no
// newer sign in or sign out happened in the meantime.
func (c *Client) Authenticate(creds Credentials) error {
	if !creds.complete() {
		return ErrMissingCredentials
	}

	c.mu.Lock()
	c.attempt++
	attempt := c.attempt
	c.mu.Unlock()

	candidate := c.newAPI(creds.APIKey, creds.APISecret)
	err := c.bounded(func() error {
		return candidate.Login(creds.Username, creds.Password)
	})
	if err != nil {
		return fmt.Errorf("authenticate: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.attempt != attempt {
		return ErrSuperseded
	}
	c.api = candidate
	c.username = creds.Username
	c.sessionKey = candidate.GetSessionKey()
	return nil
}

// IsAuthenticated returns true if a session key is set.
func (c *Client) IsAuthenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionKey != ""
}

func (c *Client) Username() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.username
}

// Logout forgets the session, used when scrobbling is switched off. Any sign in
// still in flight is discarded when it finishes.
func (c *Client) Logout() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attempt++
	c.api = nil
	c.username = ""
	c.sessionKey = ""
}

// Scrobble submits a play that started now
func (c *Client) Scrobble(artist, title string) error {
	c.mu.Lock()
	session, ready := c.api, c.sessionKey != "" && c.api != nil
	timestamp := c.now().Unix()
	c.mu.Unlock()

	if !ready {
		return ErrNotAuthenticated
	}

	params := lastfm.P{
		"artist":    artist,
		"track":     title,
		"timestamp": timestamp,
	}
	if err := c.bounded(func() error { return session.Scrobble(params) }); err != nil {
		return fmt.Errorf("scrobble: %w", err)
	}
	return nil
}

// bounded gives up on fn after the request timeout. lastfm-go sends through
// http.DefaultClient, which never times out, so an abandoned call finishes in the
// background whenever the connection does.
func (c *Client) bounded(fn func() error) error {
	done := make(chan error, 1)
	go func() { done <- fn() }()

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()
	select {
	case err := <-done:
		return err
	case <-timer.C:
		return ErrTimeout
	}
}

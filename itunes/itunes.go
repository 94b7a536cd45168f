package itunes

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/marcus-crane/playerlink/utils"
)

const (
	searchEndpoint = "https://itunes.apple.com/search"
	cacheSize      = 256
)

type Result struct {
	ArtworkURL string `json:"artwork_url"`
	TrackID    int64  `json:"track_id"`
}

type searchResponse struct {
	ResultCount int `json:"resultCount"`
	Results     []struct {
		TrackID       int64  `json:"trackId"`
		ArtworkURL100 string `json:"artworkUrl100"`
	} `json:"results"`
}

// Client looks up artwork for a track. Results, including empty ones, are cached
// since the same query comes up every time a track is replayed.
type Client struct {
	http     *http.Client
	endpoint string
	cache    *lru.Cache[string, Result]
}

func NewClient() *Client {
	cache, _ := lru.New[string, Result](cacheSize)
	return &Client{
		http:     utils.NewHTTPClient(10 * time.Second),
		endpoint: searchEndpoint,
		cache:    cache,
	}
}

func (c *Client) HTTPClient() *http.Client {
	return c.http
}

// Search returns the first song matching query. No results is not an error.
func (c *Client) Search(ctx context.Context, query string) (Result, error) {
	if cached, ok := c.cache.Get(query); ok {
		return cached, nil
	}

	searchURL := fmt.Sprintf("%s?media=music&entity=song&term=%s", c.endpoint, url.QueryEscape(query))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, searchURL, nil)
	if err != nil {
		return Result{}, err
	}

	res, err := c.http.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("failed to search itunes: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return Result{}, fmt.Errorf("itunes search returned status %d", res.StatusCode)
	}

	var body searchResponse
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		return Result{}, fmt.Errorf("failed to decode itunes response: %w", err)
	}

	var result Result
	if len(body.Results) > 0 {
		result = Result{
			ArtworkURL: body.Results[0].ArtworkURL100,
			TrackID:    body.Results[0].TrackID,
		}
	}
	c.cache.Add(query, result)
	return result, nil
}

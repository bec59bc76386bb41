// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package arr talks to Radarr and Sonarr v3 APIs: wanted listings,
// calendar feeds, season inventories and search command triggers.
package arr

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/avast/retry-go"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/seekarr/internal/buildinfo"
	"github.com/autobrr/seekarr/internal/domain"
)

const wantedPageSize = 200

// FetchError is a failed read from a manager API. A cycle that hits one
// aborts without mutating any durable state.
type FetchError struct {
	Endpoint   string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch %s: status %d", e.Endpoint, e.StatusCode)
	}
	return fmt.Sprintf("fetch %s: %v", e.Endpoint, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// ActionError is a failed search command. The affected item is not
// recorded as acted on; the cycle moves to the next candidate.
type ActionError struct {
	Command    string
	StatusCode int
	Err        error
}

func (e *ActionError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("command %s: status %d", e.Command, e.StatusCode)
	}
	return fmt.Sprintf("command %s: %v", e.Command, e.Err)
}

func (e *ActionError) Unwrap() error { return e.Err }

// Client is a connection to one Radarr or Sonarr instance.
type Client struct {
	appType    domain.AppType
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

type Options struct {
	Timeout   time.Duration
	VerifySSL bool
}

// NewClient builds a client for one instance. The base URL is used as
// given minus any trailing slash; the API key goes in the X-Api-Key
// header on every request.
func NewClient(appType domain.AppType, baseURL, apiKey string, opts Options) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if !opts.VerifySSL {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	return &Client{
		appType: appType,
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		apiKey:  strings.TrimSpace(apiKey),
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: transport,
		},
	}
}

// FetchWanted pages through the wanted listing for one category and
// returns every monitored record mapped to a candidate item.
func (c *Client) FetchWanted(ctx context.Context, category domain.Category) ([]domain.WantedItem, error) {
	endpoint := "/api/v3/wanted/missing"
	if category == domain.CategoryCutoff {
		endpoint = "/api/v3/wanted/cutoff"
	}

	switch c.appType {
	case domain.AppTypeSonarr:
		return c.fetchWantedEpisodes(ctx, endpoint, category)
	default:
		return c.fetchWantedMovies(ctx, endpoint, category)
	}
}

func (c *Client) fetchWantedMovies(ctx context.Context, endpoint string, category domain.Category) ([]domain.WantedItem, error) {
	var out []domain.WantedItem
	for page := 1; ; page++ {
		var resp pagedResponse[movieRecord]
		params := url.Values{
			"page":      {strconv.Itoa(page)},
			"pageSize":  {strconv.Itoa(wantedPageSize)},
			"monitored": {"true"},
		}
		if err := c.getJSON(ctx, endpoint, params, &resp); err != nil {
			return nil, err
		}

		for _, rec := range resp.Records {
			if !rec.Monitored {
				continue
			}
			out = append(out, domain.WantedItem{
				Key:         domain.MovieKey(rec.ID),
				Category:    category,
				Title:       rec.Title,
				ReleaseTime: rec.releaseTime(),
				MovieID:     rec.ID,
			})
		}

		if len(resp.Records) == 0 || page*wantedPageSize >= resp.TotalRecords {
			return out, nil
		}
	}
}

func (c *Client) fetchWantedEpisodes(ctx context.Context, endpoint string, category domain.Category) ([]domain.WantedItem, error) {
	var out []domain.WantedItem
	for page := 1; ; page++ {
		var resp pagedResponse[episodeRecord]
		params := url.Values{
			"page":          {strconv.Itoa(page)},
			"pageSize":      {strconv.Itoa(wantedPageSize)},
			"monitored":     {"true"},
			"includeSeries": {"true"},
		}
		if err := c.getJSON(ctx, endpoint, params, &resp); err != nil {
			return nil, err
		}

		for _, rec := range resp.Records {
			if !rec.Monitored {
				continue
			}
			out = append(out, domain.WantedItem{
				Key:           domain.EpisodeKey(rec.ID),
				Category:      category,
				Title:         rec.Title,
				ReleaseTime:   rec.airTime(),
				EpisodeID:     rec.ID,
				SeriesID:      rec.SeriesID,
				SeriesTitle:   rec.seriesTitle(),
				SeasonNumber:  rec.SeasonNumber,
				EpisodeNumber: rec.EpisodeNumber,
			})
		}

		if len(resp.Records) == 0 || page*wantedPageSize >= resp.TotalRecords {
			return out, nil
		}
	}
}

// Calendar returns the release calendar between start and end, used by
// smart ordering to boost just-released content.
func (c *Client) Calendar(ctx context.Context, start, end time.Time) ([]domain.CalendarEntry, error) {
	params := url.Values{
		"start":       {start.UTC().Format(time.RFC3339)},
		"end":         {end.UTC().Format(time.RFC3339)},
		"unmonitored": {"false"},
	}

	if c.appType == domain.AppTypeSonarr {
		var records []episodeRecord
		if err := c.getJSON(ctx, "/api/v3/calendar", params, &records); err != nil {
			return nil, err
		}
		out := make([]domain.CalendarEntry, 0, len(records))
		for _, rec := range records {
			out = append(out, domain.CalendarEntry{
				EpisodeID:     rec.ID,
				SeriesID:      rec.SeriesID,
				SeasonNumber:  rec.SeasonNumber,
				EpisodeNumber: rec.EpisodeNumber,
				ReleaseTime:   rec.airTime(),
			})
		}
		return out, nil
	}

	var records []movieRecord
	if err := c.getJSON(ctx, "/api/v3/calendar", params, &records); err != nil {
		return nil, err
	}
	out := make([]domain.CalendarEntry, 0, len(records))
	for _, rec := range records {
		out = append(out, domain.CalendarEntry{
			MovieID:     rec.ID,
			ReleaseTime: rec.releaseTime(),
		})
	}
	return out, nil
}

// SeasonInventory tallies aired episodes per season for one series:
// how many have aired by now and how many of those are downloaded.
// Sonarr only.
func (c *Client) SeasonInventory(ctx context.Context, seriesID int, now time.Time) (map[int]domain.SeasonTally, error) {
	params := url.Values{"seriesId": {strconv.Itoa(seriesID)}}

	var records []episodeRecord
	if err := c.getJSON(ctx, "/api/v3/episode", params, &records); err != nil {
		return nil, err
	}

	tallies := make(map[int]domain.SeasonTally)
	for _, rec := range records {
		aired := rec.airTime()
		if aired == nil || aired.After(now) {
			continue
		}
		tally := tallies[rec.SeasonNumber]
		tally.AiredTotal++
		if rec.HasFile {
			tally.AiredDownloaded++
		}
		tallies[rec.SeasonNumber] = tally
	}
	return tallies, nil
}

// Trigger submits the search command for one resolved action.
func (c *Client) Trigger(ctx context.Context, action domain.SearchAction) error {
	var cmd commandRequest
	switch action.Kind {
	case domain.ActionMovieSearch:
		cmd = commandRequest{Name: "MoviesSearch", MovieIDs: []int{action.MovieID}}
	case domain.ActionEpisodeSearch:
		cmd = commandRequest{Name: "EpisodeSearch", EpisodeIDs: action.EpisodeIDs}
	case domain.ActionSeasonSearch:
		cmd = commandRequest{Name: "SeasonSearch", SeriesID: action.SeriesID, SeasonNumber: action.SeasonNumber}
	case domain.ActionShowSearch:
		cmd = commandRequest{Name: "SeriesSearch", SeriesID: action.SeriesID}
	default:
		return &ActionError{Command: string(action.Kind), Err: fmt.Errorf("unknown action kind")}
	}

	body, err := json.Marshal(cmd)
	if err != nil {
		return &ActionError{Command: cmd.Name, Err: err}
	}

	req, err := c.newRequest(ctx, http.MethodPost, "/api/v3/command", nil)
	if err != nil {
		return &ActionError{Command: cmd.Name, Err: err}
	}
	req.Body = io.NopCloser(bytes.NewReader(body))
	req.ContentLength = int64(len(body))
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &ActionError{Command: cmd.Name, Err: err}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return &ActionError{Command: cmd.Name, StatusCode: resp.StatusCode}
	}

	log.Debug().
		Str("appType", string(c.appType)).
		Str("command", cmd.Name).
		Str("key", action.Key).
		Msg("search command accepted")
	return nil
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, params url.Values) (*http.Request, error) {
	u := c.baseURL + endpoint
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-Api-Key", c.apiKey)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", buildinfo.UserAgent)
	return req, nil
}

// getJSON performs a GET with bounded retries on transient failures
// (network errors, 429, 5xx). Client errors fail immediately.
func (c *Client) getJSON(ctx context.Context, endpoint string, params url.Values, dest any) error {
	attempt := func() error {
		req, err := c.newRequest(ctx, http.MethodGet, endpoint, params)
		if err != nil {
			return &FetchError{Endpoint: endpoint, Err: err}
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return &FetchError{Endpoint: endpoint, Err: err}
		}
		defer resp.Body.Close()

		if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
			io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
			return &FetchError{Endpoint: endpoint, StatusCode: resp.StatusCode}
		}

		if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
			return &FetchError{Endpoint: endpoint, Err: fmt.Errorf("decode response: %w", err)}
		}
		return nil
	}

	return retry.Do(
		attempt,
		retry.Context(ctx),
		retry.Attempts(3),
		retry.Delay(500*time.Millisecond),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			var fe *FetchError
			if !errors.As(err, &fe) {
				return false
			}
			if fe.StatusCode == 0 {
				return ctx.Err() == nil
			}
			return fe.StatusCode == http.StatusTooManyRequests || fe.StatusCode >= http.StatusInternalServerError
		}),
	)
}

// Package esi is the client for the upstream EVE Swagger Interface: the
// paginated wallet ledger and transaction endpoints plus the public
// entity-detail endpoints the resolver consults.
package esi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/howpoorru/howpoorru/internal/netx/ratelimit"
)

const pagesHeader = "X-Pages"

// Config carries client construction parameters.
type Config struct {
	BaseURL   string
	UserAgent string
	Timeout   time.Duration
	RPS       float64
	Burst     int
}

// Client issues rate-limited, circuit-broken requests against the upstream
// API. Authenticated calls take the bearer token explicitly; the client holds
// no per-principal state.
type Client struct {
	base    *url.URL
	http    *http.Client
	ua      string
	limiter *ratelimit.Limiter
	breaker *gobreaker.CircuitBreaker
	log     zerolog.Logger
}

func NewClient(cfg Config, log zerolog.Logger) (*Client, error) {
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("esi: parse base url: %w", err)
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RPS == 0 {
		cfg.RPS = 20
	}
	if cfg.Burst == 0 {
		cfg.Burst = 40
	}
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "esi",
		Timeout: 60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 10
		},
	})
	return &Client{
		base:    base,
		http:    &http.Client{Timeout: cfg.Timeout},
		ua:      cfg.UserAgent,
		limiter: ratelimit.NewLimiter(cfg.RPS, cfg.Burst),
		breaker: breaker,
		log:     log,
	}, nil
}

// --- wallet endpoints (authenticated) ---

func (c *Client) CharacterWallet(ctx context.Context, token string, characterID int64) (float64, error) {
	var balance float64
	_, err := c.get(ctx, fmt.Sprintf("/characters/%d/wallet/", characterID), token, nil, &balance)
	return balance, err
}

func (c *Client) CorporationWallets(ctx context.Context, token string, corporationID int64) ([]DivisionBalance, error) {
	var out []DivisionBalance
	_, err := c.get(ctx, fmt.Sprintf("/corporations/%d/wallets/", corporationID), token, nil, &out)
	return out, err
}

// CharacterJournal returns one page of the character wallet journal, newest
// first, plus the total page count from the X-Pages header.
func (c *Client) CharacterJournal(ctx context.Context, token string, characterID int64, page int) ([]JournalRow, int, error) {
	var rows []JournalRow
	pages, err := c.get(ctx, fmt.Sprintf("/characters/%d/wallet/journal/", characterID),
		token, url.Values{"page": {strconv.Itoa(page)}}, &rows)
	return rows, pages, err
}

// CorporationJournal returns one page of a corporate wallet division journal.
func (c *Client) CorporationJournal(ctx context.Context, token string, corporationID int64, division, page int) ([]JournalRow, int, error) {
	var rows []JournalRow
	pages, err := c.get(ctx, fmt.Sprintf("/corporations/%d/wallets/%d/journal/", corporationID, division),
		token, url.Values{"page": {strconv.Itoa(page)}}, &rows)
	return rows, pages, err
}

// CharacterTransactions returns trade records with transaction id <= fromID,
// ordered descending.
func (c *Client) CharacterTransactions(ctx context.Context, token string, characterID, fromID int64) ([]WalletTransaction, error) {
	var out []WalletTransaction
	_, err := c.get(ctx, fmt.Sprintf("/characters/%d/wallet/transactions/", characterID),
		token, url.Values{"from_id": {strconv.FormatInt(fromID, 10)}}, &out)
	return out, err
}

func (c *Client) CorporationTransactions(ctx context.Context, token string, corporationID int64, division int, fromID int64) ([]WalletTransaction, error) {
	var out []WalletTransaction
	_, err := c.get(ctx, fmt.Sprintf("/corporations/%d/wallets/%d/transactions/", corporationID, division),
		token, url.Values{"from_id": {strconv.FormatInt(fromID, 10)}}, &out)
	return out, err
}

// --- public entity-detail endpoints ---

func (c *Client) Character(ctx context.Context, id int64) (CharacterInfo, error) {
	var out CharacterInfo
	_, err := c.get(ctx, fmt.Sprintf("/characters/%d/", id), "", nil, &out)
	return out, err
}

func (c *Client) Corporation(ctx context.Context, id int64) (CorporationInfo, error) {
	var out CorporationInfo
	_, err := c.get(ctx, fmt.Sprintf("/corporations/%d/", id), "", nil, &out)
	return out, err
}

func (c *Client) Alliance(ctx context.Context, id int64) (AllianceInfo, error) {
	var out AllianceInfo
	_, err := c.get(ctx, fmt.Sprintf("/alliances/%d/", id), "", nil, &out)
	return out, err
}

func (c *Client) AllianceCorporations(ctx context.Context, id int64) ([]int64, error) {
	var out []int64
	_, err := c.get(ctx, fmt.Sprintf("/alliances/%d/corporations/", id), "", nil, &out)
	return out, err
}

func (c *Client) System(ctx context.Context, id int64) (SystemInfo, error) {
	var out SystemInfo
	_, err := c.get(ctx, fmt.Sprintf("/universe/systems/%d/", id), "", nil, &out)
	return out, err
}

func (c *Client) Constellation(ctx context.Context, id int64) (ConstellationInfo, error) {
	var out ConstellationInfo
	_, err := c.get(ctx, fmt.Sprintf("/universe/constellations/%d/", id), "", nil, &out)
	return out, err
}

func (c *Client) Region(ctx context.Context, id int64) (RegionInfo, error) {
	var out RegionInfo
	_, err := c.get(ctx, fmt.Sprintf("/universe/regions/%d/", id), "", nil, &out)
	return out, err
}

func (c *Client) Station(ctx context.Context, id int64) (StationInfo, error) {
	var out StationInfo
	_, err := c.get(ctx, fmt.Sprintf("/universe/stations/%d/", id), "", nil, &out)
	return out, err
}

func (c *Client) ItemType(ctx context.Context, id int64) (TypeInfo, error) {
	var out TypeInfo
	_, err := c.get(ctx, fmt.Sprintf("/universe/types/%d/", id), "", nil, &out)
	return out, err
}

func (c *Client) ItemGroup(ctx context.Context, id int64) (GroupInfo, error) {
	var out GroupInfo
	_, err := c.get(ctx, fmt.Sprintf("/universe/groups/%d/", id), "", nil, &out)
	return out, err
}

// get performs one GET, decodes the JSON body into out, and returns the total
// page count when the response carries the pagination header.
func (c *Client) get(ctx context.Context, path, token string, query url.Values, out any) (int, error) {
	u := *c.base
	u.Path = strings.TrimSuffix(u.Path, "/") + path
	if query != nil {
		u.RawQuery = query.Encode()
	}

	if err := c.limiter.Wait(ctx, u.Host); err != nil {
		return 0, fmt.Errorf("esi: rate limit wait: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return 0, fmt.Errorf("esi: build request %s: %w", path, err)
	}
	req.Header.Set("Accept", "application/json")
	if c.ua != "" {
		req.Header.Set("User-Agent", c.ua)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	start := time.Now()
	res, err := c.breaker.Execute(func() (any, error) {
		return c.http.Do(req)
	})
	if err != nil {
		c.log.Error().Err(err).Str("endpoint", path).Msg("upstream request failed")
		return 0, fmt.Errorf("esi: %s: %w", path, err)
	}
	resp := res.(*http.Response)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		se := &StatusError{Endpoint: path, Code: resp.StatusCode, Message: upstreamMessage(body)}
		c.log.Debug().Int("status", resp.StatusCode).Str("endpoint", path).Msg("upstream non-200")
		return 0, se
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return 0, fmt.Errorf("esi: decode %s: %w", path, err)
	}

	pages := 0
	if h := resp.Header.Get(pagesHeader); h != "" {
		pages, _ = strconv.Atoi(h)
	}
	c.log.Trace().Str("endpoint", path).Int("pages", pages).Dur("duration", time.Since(start)).Msg("upstream request")
	return pages, nil
}

// upstreamMessage pulls the "error" field out of an upstream error body,
// falling back to the raw body.
func upstreamMessage(body []byte) string {
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.Error != "" {
		return payload.Error
	}
	return string(body)
}

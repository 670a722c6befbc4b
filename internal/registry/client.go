package registry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/flowchartsman/retry"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
	"golang.org/x/sync/errgroup"

	"github.com/dshills/rtledit/internal/extension"
)

// maxBodySize caps any single registry response.
const maxBodySize = 8 << 20

// Summary is a catalog row shown in the "available extensions" view.
type Summary struct {
	ID          string
	Name        string
	Description string
	Author      string
	Category    string
	Version     string
	HasIcon     bool
}

// Catalog is the result of ListAvailable.
type Catalog struct {
	// Items are installable on the host, ordered by id.
	Items     []Summary
	FetchedAt time.Time

	// Degraded is set when the registry was unavailable and the items come
	// from the last cached snapshot.
	Degraded bool
}

// RateLimit is the registry quota status.
type RateLimit struct {
	Limit     int
	Remaining int
	Reset     time.Time
}

// Client reads the extension registry.
type Client struct {
	cfg    Config
	host   extension.Host
	http   *http.Client
	cache  *Cache
	store  Persister
	logger zerolog.Logger
	now    func() time.Time

	// requests counts HTTP requests sent, for diagnostics.
	requests atomic.Int64

	refreshMu sync.Mutex
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.http = hc
	}
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithClock sets the time source used for TTL checks.
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		c.now = now
	}
}

// WithPersister keeps snapshots in p and seeds the cache from it.
func WithPersister(p Persister) Option {
	return func(c *Client) {
		c.store = p
	}
}

// New creates a client for cfg, filtering results for host.
func New(cfg Config, host extension.Host, opts ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	c := &Client{
		cfg:    cfg,
		host:   host,
		logger: zerolog.Nop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.http == nil {
		c.http = &http.Client{Timeout: cfg.Timeout}
	}
	c.logger = c.logger.With().Str("component", "registry").Logger()
	c.cache = NewCache(cfg.CacheTTL, c.now)

	if c.store != nil {
		snap, err := c.store.Load(context.Background())
		if err != nil {
			c.logger.Warn().Err(err).Msg("ignoring unreadable registry cache")
		} else if snap != nil {
			c.cache.Store(snap)
			c.logger.Debug().Int("entries", snap.Len()).Msg("registry cache restored")
		}
	}
	return c, nil
}

// Cache returns the client's cache.
func (c *Client) Cache() *Cache {
	return c.cache
}

// Requests returns the number of HTTP requests sent so far.
func (c *Client) Requests() int64 {
	return c.requests.Load()
}

// Close releases idle connections and the persister.
func (c *Client) Close() error {
	c.http.CloseIdleConnections()
	if c.store != nil {
		return c.store.Close()
	}
	return nil
}

// ListAvailable returns the installable extensions.
//
// Unless force is set, a snapshot within the TTL is returned without any
// network call. When the registry is rate limited or unreachable the last
// snapshot is returned with Degraded set; ErrNoCache is returned only when
// there is no snapshot at all. A cancelled refresh leaves the cache as it was.
func (c *Client) ListAvailable(ctx context.Context, force bool) (*Catalog, error) {
	if !force {
		if snap, ok := c.cache.Fresh(); ok {
			return c.catalog(snap, false), nil
		}
	}

	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	// Another caller may have refreshed while we waited.
	if !force {
		if snap, ok := c.cache.Fresh(); ok {
			return c.catalog(snap, false), nil
		}
	}

	rl, err := c.RateLimit(ctx)
	switch {
	case err == nil && rl.Remaining <= 0:
		return c.degraded(&RateLimitError{Reset: rl.Reset})
	case err != nil && degradable(err):
		return c.degraded(err)
	case err != nil && errors.Is(err, context.Canceled):
		return nil, err
	case err != nil:
		// Registries without a quota endpoint are still usable.
		c.logger.Debug().Err(err).Msg("rate limit status unavailable")
	}

	ids, err := c.listIDs(ctx)
	if err != nil {
		if degradable(err) {
			return c.degraded(err)
		}
		return nil, err
	}

	entries, err := c.fetchAll(ctx, ids)
	if err != nil {
		if degradable(err) {
			return c.degraded(err)
		}
		return nil, err
	}

	snap := NewSnapshot(c.now(), entries)
	c.cache.Store(snap)
	c.persist(ctx, snap)

	c.logger.Info().
		Int("listed", len(ids)).
		Int("cached", snap.Len()).
		Msg("registry catalog refreshed")
	return c.catalog(snap, false), nil
}

// degraded returns the cached catalog, or ErrNoCache wrapping cause.
func (c *Client) degraded(cause error) (*Catalog, error) {
	snap := c.cache.Load()
	if snap == nil {
		return nil, fmt.Errorf("%w: %w", ErrNoCache, cause)
	}
	c.logger.Warn().Err(cause).Time("snapshot", snap.FetchedAt).Msg("registry unavailable, serving cached catalog")
	return c.catalog(snap, true), nil
}

// catalog filters a snapshot down to installable summaries.
func (c *Client) catalog(snap *Snapshot, degraded bool) *Catalog {
	cat := &Catalog{FetchedAt: snap.FetchedAt, Degraded: degraded, Items: []Summary{}}
	for _, e := range snap.Entries() {
		if e.Manifest == nil || extension.CheckHost(e.Manifest, c.host) != extension.Compatible {
			continue
		}
		m := e.Manifest
		cat.Items = append(cat.Items, Summary{
			ID:          e.ExtensionID,
			Name:        m.Name,
			Description: m.Description,
			Author:      m.Author,
			Category:    m.Category,
			Version:     m.Version.String(),
			HasIcon:     len(e.Icon) > 0,
		})
	}
	return cat
}

// FetchManifest returns the registry entry for id. A cached entry within
// the TTL is returned without a network call; a stale one is returned when
// the registry is unavailable.
func (c *Client) FetchManifest(ctx context.Context, id string) (Entry, error) {
	if !extension.ValidID(id) {
		return Entry{}, fmt.Errorf("%w: %q", extension.ErrInvalidID, id)
	}

	cached, ok, fresh := c.cache.Entry(id)
	if ok && fresh {
		return cached, nil
	}

	e, err := c.fetchEntry(ctx, id)
	if err != nil {
		if ok && degradable(err) {
			c.logger.Warn().Str("extension", id).Err(err).Msg("serving stale registry entry")
			return cached, nil
		}
		return Entry{}, err
	}

	snap := c.cache.Replace(e)
	c.persist(ctx, snap)
	return e, nil
}

// RateLimit queries the registry quota.
// Both GitHub's {"resources":{"core":{...}}} and a flat
// {"remaining": n, "reset_time": t} body are accepted.
func (c *Client) RateLimit(ctx context.Context) (RateLimit, error) {
	body, err := c.get(ctx, c.apiURL("rate_limit"))
	if err != nil {
		return RateLimit{}, err
	}

	doc := gjson.ParseBytes(body)
	if core := doc.Get("resources.core"); core.Exists() {
		return RateLimit{
			Limit:     int(core.Get("limit").Int()),
			Remaining: int(core.Get("remaining").Int()),
			Reset:     parseReset(core.Get("reset")),
		}, nil
	}
	if rate := doc.Get("rate"); rate.Exists() {
		return RateLimit{
			Limit:     int(rate.Get("limit").Int()),
			Remaining: int(rate.Get("remaining").Int()),
			Reset:     parseReset(rate.Get("reset")),
		}, nil
	}
	remaining := doc.Get("remaining")
	if !remaining.Exists() {
		return RateLimit{}, fmt.Errorf("%w: rate limit body has no remaining field", ErrUnexpectedStatus)
	}
	return RateLimit{
		Limit:     int(doc.Get("limit").Int()),
		Remaining: int(remaining.Int()),
		Reset:     parseReset(doc.Get("reset_time")),
	}, nil
}

// parseReset accepts unix seconds or an RFC 3339 string.
func parseReset(v gjson.Result) time.Time {
	switch v.Type {
	case gjson.Number:
		return time.Unix(v.Int(), 0)
	case gjson.String:
		if t, err := time.Parse(time.RFC3339, v.String()); err == nil {
			return t
		}
	}
	return time.Time{}
}

// listIDs returns the extension folder names in the registry, sorted.
func (c *Client) listIDs(ctx context.Context) ([]string, error) {
	items, err := c.listDir(ctx, c.cfg.Path)
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(items))
	for _, it := range items {
		if it.Type == "dir" && extension.ValidID(it.Name) {
			ids = append(ids, it.Name)
		}
	}
	return ids, nil
}

// dirItem is one entry of a contents listing.
type dirItem struct {
	Name        string
	Type        string
	Path        string
	DownloadURL string
}

func (c *Client) listDir(ctx context.Context, path string) ([]dirItem, error) {
	u := c.apiURL("repos", c.cfg.Owner, c.cfg.Repo, "contents", path)
	if c.cfg.Branch != "" {
		u += "?ref=" + url.QueryEscape(c.cfg.Branch)
	}
	body, err := c.get(ctx, u)
	if err != nil {
		return nil, err
	}

	doc := gjson.ParseBytes(body)
	if !doc.IsArray() {
		return nil, fmt.Errorf("%w: listing of %q is not an array", ErrUnexpectedStatus, path)
	}

	var items []dirItem
	doc.ForEach(func(_, v gjson.Result) bool {
		items = append(items, dirItem{
			Name:        v.Get("name").String(),
			Type:        v.Get("type").String(),
			Path:        v.Get("path").String(),
			DownloadURL: v.Get("download_url").String(),
		})
		return true
	})
	return items, nil
}

// fetchAll fetches entries for ids in fixed-size groups. Groups run in
// order with a pause between them; items inside a group run concurrently.
//
// Cancellation is checked between groups. Requests of the running group
// finish even if ctx is cancelled. Items that are missing or malformed are
// left out. Rate limiting or an unreachable registry aborts the whole
// refresh so the previous snapshot stays in place.
func (c *Client) fetchAll(ctx context.Context, ids []string) ([]Entry, error) {
	size := c.cfg.BatchSize
	var entries []Entry

	for start := 0; start < len(ids); start += size {
		if start > 0 {
			if err := sleep(ctx, c.cfg.BatchDelay); err != nil {
				return nil, err
			}
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		group := ids[start:min(start+size, len(ids))]
		results := make([]*Entry, len(group))
		inflight := context.WithoutCancel(ctx)

		var abort atomic.Pointer[error]
		g := new(errgroup.Group)
		g.SetLimit(size)
		for i, id := range group {
			g.Go(func() error {
				e, err := c.fetchEntry(inflight, id)
				if err != nil {
					if degradable(err) {
						abort.CompareAndSwap(nil, &err)
						return nil
					}
					c.logger.Warn().Str("extension", id).Err(err).Msg("skipping registry entry")
					return nil
				}
				results[i] = &e
				return nil
			})
		}
		_ = g.Wait()

		if errp := abort.Load(); errp != nil {
			return nil, *errp
		}
		for _, e := range results {
			if e != nil {
				entries = append(entries, *e)
			}
		}
	}
	return entries, nil
}

// fetchEntry downloads and validates one manifest and its optional icon.
func (c *Client) fetchEntry(ctx context.Context, id string) (Entry, error) {
	data, err := c.get(ctx, c.rawURL(id, extension.ManifestFile))
	if err != nil {
		return Entry{}, err
	}
	m, err := extension.ParseManifest(data, id)
	if err != nil {
		return Entry{}, err
	}

	icon, err := c.get(ctx, c.rawURL(id, "icon.png"))
	if err != nil {
		if errors.Is(err, ErrRateLimited) {
			return Entry{}, err
		}
		if !errors.Is(err, ErrNotFound) {
			c.logger.Debug().Str("extension", id).Err(err).Msg("icon unavailable")
		}
		icon = nil
	}

	return Entry{
		ExtensionID: id,
		Manifest:    m,
		Icon:        icon,
		FetchedAt:   c.now(),
	}, nil
}

// get performs a GET with retries for transient failures. Rate limiting,
// missing files and other statuses are returned on the first attempt.
func (c *Client) get(ctx context.Context, u string) ([]byte, error) {
	var (
		body  []byte
		final error
	)
	retrier := retry.NewRetrier(c.cfg.MaxRetries, c.cfg.RetryDelay, 4*c.cfg.RetryDelay)
	err := retrier.RunContext(ctx, func(ctx context.Context) error {
		b, err := c.getOnce(ctx, u)
		final = err
		if err != nil && errors.Is(err, ErrNetworkUnavailable) {
			return err
		}
		body = b
		return nil
	})
	if final != nil {
		return nil, final
	}
	if err != nil {
		return nil, err
	}
	return body, nil
}

func (c *Client) getOnce(ctx context.Context, u string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "rtledit-extensions")
	if strings.HasPrefix(u, c.cfg.APIURL) {
		req.Header.Set("Accept", "application/vnd.github+json")
	}
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	c.requests.Add(1)
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, Classify(nil, err)
	}
	defer resp.Body.Close()

	if err := Classify(resp, nil); err != nil {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodySize))
		return nil, err
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, Classify(nil, err)
	}
	return body, nil
}

func (c *Client) apiURL(parts ...string) string {
	return joinURL(c.cfg.APIURL, parts...)
}

func (c *Client) rawURL(id, file string) string {
	return joinURL(c.cfg.RawURL, c.cfg.Owner, c.cfg.Repo, c.cfg.Branch, c.cfg.Path, id, file)
}

// joinURL joins non-empty path parts onto base.
func joinURL(base string, parts ...string) string {
	var b strings.Builder
	b.WriteString(strings.TrimRight(base, "/"))
	for _, p := range parts {
		p = strings.Trim(p, "/")
		if p == "" {
			continue
		}
		b.WriteByte('/')
		b.WriteString(p)
	}
	return b.String()
}

func (c *Client) persist(ctx context.Context, snap *Snapshot) {
	if c.store == nil {
		return
	}
	if err := c.store.Save(context.WithoutCancel(ctx), snap); err != nil {
		c.logger.Warn().Err(err).Msg("persisting registry cache failed")
	}
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Package catalog fetches the remote plugin catalog and keeps it in memory.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/SpaceDev/SpaceRTK/internal/action"
	"github.com/SpaceDev/SpaceRTK/internal/task/engine"
	logx "github.com/SpaceDev/SpaceRTK/pkg/logx"
)

const (
	DefaultURL     = "http://bukget.org/api/plugins"
	defaultTimeout = 30 * time.Second
	maxBody        = 32 << 20
)

var (
	ErrBadStatus  = errors.New("catalog: unexpected status")
	ErrNotAnArray = errors.New("catalog: response is not a JSON array")
)

var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

type Config struct {
	URL            string
	Timeout        time.Duration
	RefreshOnStart bool
}

type Group struct {
	url    string
	cache  *Cache
	client *http.Client
	log    logx.Logger
	now    func() time.Time
}

func New(cfg Config, cache *Cache, log logx.Logger) *Group {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cache == nil {
		cache = NewCache()
	}
	url := strings.TrimSpace(cfg.URL)
	if url == "" {
		url = DefaultURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Group{
		url:    url,
		cache:  cache,
		client: &http.Client{Timeout: timeout},
		log:    log,
		now:    time.Now,
	}
}

func (g *Group) Cache() *Cache { return g.cache }

func (g *Group) Actions() []action.Descriptor {
	return []action.Descriptor{
		{Name: "refreshPluginCatalog", Aliases: []string{"refreshPlugins"}, Group: "catalog", Description: "fetch the plugin catalog", Invoke: g.refresh},
		{Name: "getPluginCatalog", Aliases: []string{"getPlugins"}, Group: "catalog", Description: "return the cached plugin catalog", Invoke: g.get},
	}
}

func (g *Group) refresh(ctx context.Context, _ []any) (any, error) {
	n, err := g.Refresh(ctx)
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (g *Group) get(_ context.Context, _ []any) (any, error) {
	entries := g.cache.Entries()
	if entries == nil {
		return []any{}, nil
	}
	return entries, nil
}

// Refresh fetches the catalog and replaces the cache. A failed fetch leaves
// the previous catalog in place.
func (g *Group) Refresh(ctx context.Context) (int, error) {
	start := g.now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.url, nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("catalog: GET %s: %w", g.url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return 0, engine.Throttled(fmt.Errorf("%w: %s", ErrBadStatus, resp.Status), resp, g.now())
	}

	var raw any
	if err := jsonAPI.NewDecoder(io.LimitReader(resp.Body, maxBody)).Decode(&raw); err != nil {
		return 0, fmt.Errorf("catalog: decode: %w", err)
	}
	entries, ok := raw.([]any)
	if !ok {
		return 0, ErrNotAnArray
	}
	g.cache.Set(entries, g.now())
	g.log.Info("plugin catalog refreshed",
		logx.Int("entries", len(entries)),
		logx.Duration("took", time.Since(start)),
	)
	return len(entries), nil
}

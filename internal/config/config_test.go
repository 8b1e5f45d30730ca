package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_Defaults(t *testing.T) {
	cfg, err := Parse([]byte(`pages: [{file: page.html}]`))
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:8420", cfg.Listen)
	assert.Equal(t, 5*time.Second, cfg.RequestTimeout)
	assert.Equal(t, 1000, cfg.LogCapacity)
	assert.Equal(t, 50*time.Millisecond, cfg.Debounce)
	assert.Zero(t, cfg.RateLimit.PerSecond)
	assert.Equal(t, 30*time.Second, cfg.Browser.NavigateTimeout)
	assert.True(t, cfg.Browser.StealthEnabled())
	require.Len(t, cfg.Pages, 1)
	assert.Equal(t, "page-1", cfg.Pages[0].ID)
}

func TestParse_Full(t *testing.T) {
	cfg, err := Parse([]byte(`
listen: ":9000"
request_timeout: 2s
log_capacity: 50
debounce: 120ms
rate_limit: {per_second: 4}
generic_ids: [root, app]
browser:
  remote: ws://chrome:9222
  stealth: false
  resource_blocking: [images, fonts]
pages:
  - id: shop
    url: https://shop.example/item/1
    watchers:
      - {selector: "#price", attribute: data-price, name: Price}
sinks:
  - {type: stdout}
  - {type: webhook, url: "http://hook"}
  - {type: archive, path: /tmp/a.db}
`))
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.Listen)
	assert.Equal(t, 2*time.Second, cfg.RequestTimeout)
	assert.Equal(t, 120*time.Millisecond, cfg.Debounce)
	assert.Equal(t, 4.0, cfg.RateLimit.PerSecond)
	assert.Equal(t, 1, cfg.RateLimit.Burst)
	assert.Equal(t, []string{"root", "app"}, cfg.GenericIDs)
	assert.False(t, cfg.Browser.StealthEnabled())
	assert.Equal(t, []string{"images", "fonts"}, cfg.Browser.ResourceBlocking)
	assert.Equal(t, WatcherConfig{Selector: "#price", Attribute: "data-price", Name: "Price"}, cfg.Pages[0].Watchers[0])
	assert.Equal(t, 3, cfg.Sinks[1].Retries)

	a, ok := cfg.Archive()
	require.True(t, ok)
	assert.Equal(t, "/tmp/a.db", a.Path)
}

func TestParse_Invalid(t *testing.T) {
	_, err := Parse([]byte(`
pages:
  - {id: a}
  - {id: a, url: "http://x", file: y.html}
  - {url: "http://z", watchers: [{selector: "#x"}]}
sinks:
  - {type: nats}
  - {type: webhook}
  - {type: archive}
`))
	require.Error(t, err)
	for _, want := range []string{
		"pages[0]: url or file required",
		"pages[1]: url and file are exclusive",
		`pages[1]: duplicate id "a"`,
		"pages[2].watchers[0]: selector and attribute required",
		`sinks[0]: unknown type "nats"`,
		"sinks[1]: webhook needs url",
		"sinks[2]: archive needs path",
	} {
		assert.Contains(t, err.Error(), want)
	}

	_, err = Parse([]byte(`
pages:
  - {id: "a/b", url: "ftp://files.example/x"}
sinks:
  - {type: webhook, url: "mailto:ops@example.com"}
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pages[0]: horosafe: only http and https")
	assert.Contains(t, err.Error(), `pages[0]: id: horosafe: invalid character '/'`)
	assert.Contains(t, err.Error(), "sinks[0]: horosafe: only http and https")

	_, err = Parse([]byte(`listen: [`))
	assert.ErrorContains(t, err, "config: parse")
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "attrwatch.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log_capacity: 7\n"), 0o644))

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.LogCapacity)

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Empty(t, cfg.Pages)
	assert.NoError(t, cfg.Validate())
	_, ok := cfg.Archive()
	assert.False(t, ok)
}

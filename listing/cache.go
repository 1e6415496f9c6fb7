package listing

import (
	"strconv"
	"strings"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/matrix-org/room-directory/client"
)

// PageCache remembers directory pages for a short while, so that typing a search term,
// deleting it and typing it again does not refetch the same pages. It can be shared by many
// sources as long as they use the same access token.
type PageCache struct {
	cache *ttlcache.Cache[string, *client.PublicRoomsResponse]
}

func NewPageCache(ttl time.Duration) *PageCache {
	c := ttlcache.New[string, *client.PublicRoomsResponse](
		ttlcache.WithTTL[string, *client.PublicRoomsResponse](ttl),
		// we don't care how many times a page is asked for, ttl is the limit.
		ttlcache.WithDisableTouchOnHit[string, *client.PublicRoomsResponse](),
	)
	go c.Start()
	return &PageCache{
		cache: c,
	}
}

func (c *PageCache) Get(req client.PublicRoomsRequest) *client.PublicRoomsResponse {
	item := c.cache.Get(cacheKey(req))
	if item == nil {
		return nil
	}
	return item.Value()
}

func (c *PageCache) Store(req client.PublicRoomsRequest, res *client.PublicRoomsResponse) {
	c.cache.Set(cacheKey(req), res, ttlcache.DefaultTTL)
}

func (c *PageCache) Len() int {
	return c.cache.Len()
}

// Stop the expiry goroutine. The cache must not be used afterwards.
func (c *PageCache) Stop() {
	c.cache.Stop()
}

func cacheKey(req client.PublicRoomsRequest) string {
	return strings.Join([]string{
		req.Server,
		req.ThirdPartyInstanceID,
		strconv.FormatBool(req.IncludeAllNetworks),
		strconv.Itoa(req.Limit),
		req.Since,
		req.SearchTerm,
	}, "\x00")
}

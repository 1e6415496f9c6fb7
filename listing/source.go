package listing

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/matrix-org/room-directory/client"
	"github.com/matrix-org/room-directory/directory"
	"github.com/matrix-org/room-directory/internal"
	"github.com/rs/zerolog"
	"golang.org/x/exp/slices"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

const DefaultPageLimit = 20

// PublicRoomsSource is a directory.ListingSource over POST /publicRooms. Pages are fetched on a
// shared worker pool. Changing the search pattern or the server selection resets the cursor,
// and any page still in flight for the old cursor is dropped when it arrives.
type PublicRoomsSource struct {
	client      client.Client
	accessToken string
	pool        *internal.WorkerPool
	cache       *PageCache
	metrics     *Metrics
	limit       int
	ctx         context.Context
	cancel      context.CancelFunc

	mu                 sync.Mutex
	rooms              []directory.Room
	seen               map[string]struct{}
	nextBatch          string
	hasReachedEnd      bool
	searchPattern      string
	includeAllNetworks bool
	homeserver         string
	protocolInstance   *directory.ThirdPartyInstance
	// bumped whenever the cursor is reset
	cursor uint64
}

type Opts struct {
	AccessToken string
	Pool        *internal.WorkerPool
	// optional
	Cache   *PageCache
	Metrics *Metrics
	// rooms per page, DefaultPageLimit if 0
	Limit int
}

func NewPublicRoomsSource(c client.Client, opts Opts) *PublicRoomsSource {
	ctx, cancel := context.WithCancel(context.Background())
	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultPageLimit
	}
	return &PublicRoomsSource{
		client:      c,
		accessToken: opts.AccessToken,
		pool:        opts.Pool,
		cache:       opts.Cache,
		metrics:     opts.Metrics,
		limit:       limit,
		ctx:         ctx,
		cancel:      cancel,
		seen:        make(map[string]struct{}),
	}
}

// Close cancels every request in flight. Their failure callbacks are called with a nil error.
func (s *PublicRoomsSource) Close() {
	s.cancel()
}

type pageFetch struct {
	cancel context.CancelFunc
}

func (f *pageFetch) Cancel() {
	f.cancel()
}

type doneFetch struct{}

func (doneFetch) Cancel() {}

func (s *PublicRoomsSource) Paginate(onSuccess func(itemsAdded int), onFailure func(err error)) directory.Cancelable {
	s.mu.Lock()
	if s.hasReachedEnd {
		s.mu.Unlock()
		onSuccess(0)
		return doneFetch{}
	}
	req := client.PublicRoomsRequest{
		Server:             s.homeserver,
		Limit:              s.limit,
		Since:              s.nextBatch,
		SearchTerm:         s.searchPattern,
		IncludeAllNetworks: s.includeAllNetworks,
	}
	if s.protocolInstance != nil {
		req.ThirdPartyInstanceID = s.protocolInstance.InstanceID
	}
	cursor := s.cursor
	s.mu.Unlock()

	ctx, cancel := context.WithCancel(s.ctx)
	err := s.pool.QueueContext(ctx, func() {
		defer cancel()
		s.fetch(ctx, cursor, req, onSuccess, onFailure)
	})
	if err != nil {
		// the source was closed while waiting for a worker
		cancel()
		onFailure(nil)
	}
	return &pageFetch{cancel: cancel}
}

func (s *PublicRoomsSource) fetch(ctx context.Context, cursor uint64, req client.PublicRoomsRequest, onSuccess func(int), onFailure func(error)) {
	ctx = internal.RequestContext(ctx)
	network := req.ThirdPartyInstanceID
	if network == "" && req.IncludeAllNetworks {
		network = "*"
	}
	internal.SetRequestContextParams(ctx, req.Server, req.Since, req.SearchTerm, network)
	ctx, task := internal.StartTask(ctx, "PublicRooms")
	defer task.End()
	start := time.Now()

	if ctx.Err() != nil {
		s.metrics.observe(outcomeCanceled, time.Since(start).Seconds())
		onFailure(nil)
		return
	}

	var res *client.PublicRoomsResponse
	if s.cache != nil {
		res = s.cache.Get(req)
	}
	if res != nil {
		s.metrics.cacheHit()
		internal.Logf(ctx, "listing", "cache hit")
	} else {
		var err error
		res, err = s.client.PublicRooms(ctx, s.accessToken, req)
		if err != nil {
			if ctx.Err() != nil {
				s.metrics.observe(outcomeCanceled, time.Since(start).Seconds())
				onFailure(nil)
				return
			}
			s.metrics.observe(outcomeError, time.Since(start).Seconds())
			task.Fail(err)
			internal.ReportError(ctx, "PublicRooms", err)
			onFailure(err)
			return
		}
		if s.cache != nil {
			s.cache.Store(req, res)
		}
	}
	if ctx.Err() != nil {
		s.metrics.observe(outcomeCanceled, time.Since(start).Seconds())
		onFailure(nil)
		return
	}

	s.mu.Lock()
	if cursor != s.cursor {
		s.mu.Unlock()
		s.metrics.observe(outcomeStale, time.Since(start).Seconds())
		internal.DecorateLogger(ctx, logger.Debug()).Msg("dropping page for a reset cursor")
		onFailure(nil)
		return
	}
	added := 0
	for _, r := range res.Chunk {
		if _, exists := s.seen[r.RoomID]; exists {
			continue
		}
		s.seen[r.RoomID] = struct{}{}
		s.rooms = append(s.rooms, toRoom(r))
		added++
	}
	s.nextBatch = res.NextBatch
	s.hasReachedEnd = res.NextBatch == ""
	s.mu.Unlock()

	internal.SetRequestContextResponseInfo(ctx, added, res.NextBatch)
	internal.DecorateLogger(ctx, logger.Trace()).Msg("fetched directory page")
	s.metrics.observe(outcomeSuccess, time.Since(start).Seconds())
	onSuccess(added)
}

func toRoom(r client.PublicRoom) directory.Room {
	return directory.Room{
		RoomID:           r.RoomID,
		Name:             r.Name,
		CanonicalAlias:   r.CanonicalAlias,
		Topic:            r.Topic,
		AvatarURL:        r.AvatarURL,
		NumJoinedMembers: r.NumJoinedMembers,
		WorldReadable:    r.WorldReadable,
		GuestCanJoin:     r.GuestCanJoin,
		JoinRule:         r.JoinRule,
		RoomType:         r.RoomType,
	}
}

// resetLocked moves the cursor back to the first page. Must hold s.mu.
func (s *PublicRoomsSource) resetLocked() {
	s.rooms = nil
	s.seen = make(map[string]struct{})
	s.nextBatch = ""
	s.hasReachedEnd = false
	s.cursor++
}

func (s *PublicRoomsSource) HasReachedEnd() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hasReachedEnd
}

func (s *PublicRoomsSource) SearchPattern() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.searchPattern
}

func (s *PublicRoomsSource) SetSearchPattern(pattern string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.searchPattern = pattern
	s.resetLocked()
}

func (s *PublicRoomsSource) IncludeAllNetworks() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.includeAllNetworks
}

func (s *PublicRoomsSource) SetIncludeAllNetworks(include bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.includeAllNetworks = include
	s.resetLocked()
}

func (s *PublicRoomsSource) Homeserver() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.homeserver
}

// SetHomeserver also clears the protocol instance, which belongs to the previous server.
func (s *PublicRoomsSource) SetHomeserver(server string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.homeserver = server
	s.protocolInstance = nil
	s.resetLocked()
}

func (s *PublicRoomsSource) ProtocolInstance() *directory.ThirdPartyInstance {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.protocolInstance == nil {
		return nil
	}
	inst := *s.protocolInstance
	return &inst
}

func (s *PublicRoomsSource) SetProtocolInstance(instance *directory.ThirdPartyInstance) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if instance == nil {
		s.protocolInstance = nil
	} else {
		inst := *instance
		s.protocolInstance = &inst
	}
	s.resetLocked()
}

// ItemAt only knows section 0.
func (s *PublicRoomsSource) ItemAt(path directory.IndexPath) *directory.Room {
	s.mu.Lock()
	defer s.mu.Unlock()
	if path.Section != 0 || path.Row < 0 || path.Row >= len(s.rooms) {
		return nil
	}
	room := s.rooms[path.Row]
	return &room
}

func (s *PublicRoomsSource) Rooms() []directory.Room {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.rooms)
}

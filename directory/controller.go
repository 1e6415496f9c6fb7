package directory

import (
	"os"
	"sync"

	"github.com/matrix-org/room-directory/internal"
	"github.com/matrix-org/room-directory/pubsub"
	"github.com/rs/zerolog"
	"golang.org/x/exp/slices"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

// operation is the single in-flight pagination request.
type operation struct {
	generation uint64
	// nil until the listing source returns from Paginate
	handle Cancelable
	// set when the operation was canceled before its handle was known
	canceled bool
	// set when the operation completed, possibly before its handle was known
	done bool
}

// Controller coordinates paginated retrieval of the room directory and overlays it with the
// search filter. It owns the listing source's cursor state.
//
// Actions may be processed from any goroutine but are applied one at a time. Completions from
// the listing source and joiner may arrive on any goroutine. Each fetch is tagged with a
// generation and a completion is ignored unless its generation is still the current one, so a
// superseded or canceled fetch can never clear a newer fetch or emit a view state.
type Controller struct {
	source   ListingSource
	resolver IdentifierResolver
	joiner   Joiner
	picker   *ServerPicker
	notifier pubsub.Notifier

	mu         sync.Mutex
	sections   []Section
	current    *operation
	generation uint64
	torndown   bool
}

// NewController makes a controller. View states and events are sent to notifier on
// ChanDirectory. If picker is not nil its selections are applied to this controller.
func NewController(source ListingSource, resolver IdentifierResolver, joiner Joiner, picker *ServerPicker, notifier pubsub.Notifier) *Controller {
	c := &Controller{
		source:   source,
		resolver: resolver,
		joiner:   joiner,
		picker:   picker,
		notifier: notifier,
	}
	if picker != nil {
		picker.sink = c.ApplyOverride
	}
	return c
}

// Process applies one action from the view layer.
func (c *Controller) Process(a Action) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.torndown {
		logger.Debug().Interface("action", a).Msg("Process: ignoring action on torn down controller")
		return
	}
	switch act := a.(type) {
	case LoadData:
		c.resetSections()
		c.paginate(false)
	case LoadMore:
		c.paginate(false)
	case SelectRow:
		room, ok := c.selectedRoom(act.Path)
		if !ok {
			return
		}
		c.notify(EventRoomSelected{RoomIDOrAlias: room.Identifier()})
	case JoinRow:
		target, ok := c.joinTarget(act.Path)
		if !ok {
			return
		}
		c.join(target)
	case Search:
		c.search(act.Pattern)
	case CreateNewRoom:
		c.notify(EventCreateRoomRequested{})
	case SwitchServer:
		c.notify(EventShowServerPicker{Picker: c.picker})
	case Cancel:
		c.cancelCurrent()
		c.notify(EventCanceled{})
	default:
		internal.Assert("Process: unknown action type", false)
	}
}

// ApplyOverride switches the listing to another homeserver or bridged network and reloads it.
// The search pattern is kept.
func (c *Controller) ApplyOverride(o ListingSourceOverride) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.torndown {
		return
	}
	if o.ProtocolInstance != nil {
		c.source.SetProtocolInstance(o.ProtocolInstance)
	} else {
		c.source.SetHomeserver(o.Homeserver)
		c.source.SetIncludeAllNetworks(o.IncludeAllNetworks)
	}
	c.resetSections()
	// the in-flight fetch, if any, is for the previous server
	c.paginate(true)
}

// Sections returns a copy of the current render model.
func (c *Controller) Sections() []Section {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.sections)
}

// Teardown cancels any in-flight fetch and closes the notifier. Every action and completion
// after this is a no-op.
func (c *Controller) Teardown() {
	c.mu.Lock()
	if c.torndown {
		c.mu.Unlock()
		return
	}
	c.cancelCurrent()
	c.torndown = true
	c.mu.Unlock()
	if err := c.notifier.Close(); err != nil {
		logger.Err(err).Msg("Teardown: failed to close notifier")
	}
}

func (c *Controller) search(pattern string) {
	c.source.SetSearchPattern(pattern)
	var sections []Section
	if pattern != "" && (c.resolver.IsRoomIdentifier(pattern) || c.resolver.IsRoomAlias(pattern)) {
		sections = append(sections, SearchInputSection{Entry: c.searchInputEntry(pattern)})
	}
	sections = append(sections, c.listingSection())
	c.sections = sections
	if len(sections) > 1 {
		// show the synthetic row before the network round trip
		c.notify(ViewLoaded{Sections: slices.Clone(c.sections)})
	}
	c.paginate(true)
}

// searchInputEntry builds the synthetic row for a query which looks like a room ID or alias.
func (c *Controller) searchInputEntry(query string) Entry {
	known := c.resolver.ResolveKnownItem(query)
	if known == nil {
		return Entry{
			Title:      query,
			Identifier: query,
		}
	}
	e := Entry{
		Title:      known.DisplayName,
		UserCount:  known.MemberCount(MembershipJoin),
		Joined:     known.Membership == MembershipJoin,
		Identifier: query,
		Media:      known.Media,
	}
	if topic := c.resolver.StripNewlines(known.Topic); topic != "" {
		e.Subtitle = &topic
	}
	if known.AvatarURL != "" {
		avatar := known.AvatarURL
		e.AvatarURL = &avatar
	}
	return e
}

func (c *Controller) listingSection() ListingSection {
	return ListingSection{
		State: ListingState{
			Rooms:         c.source.Rooms(),
			HasReachedEnd: c.source.HasReachedEnd(),
			SearchPattern: c.source.SearchPattern(),
		},
	}
}

func (c *Controller) resetSections() {
	c.sections = []Section{c.listingSection()}
}

// rebuildSections replaces the sections with fresh ones built from the current state of the
// listing source and resolver, keeping the same shape.
func (c *Controller) rebuildSections() {
	sections := make([]Section, 0, len(c.sections))
	for _, s := range c.sections {
		switch sec := s.(type) {
		case SearchInputSection:
			sections = append(sections, SearchInputSection{Entry: c.searchInputEntry(sec.Entry.Identifier)})
		case ListingSection:
			sections = append(sections, c.listingSection())
		default:
			internal.Assert("rebuildSections: unknown section type", false)
		}
	}
	c.sections = sections
}

// selectedRoom resolves path against the sections the view is showing.
func (c *Controller) selectedRoom(path IndexPath) (Room, bool) {
	if path.Section < 0 || path.Section >= len(c.sections) {
		logger.Debug().Int("section", path.Section).Msg("selectedRoom: section out of range")
		return Room{}, false
	}
	switch sec := c.sections[path.Section].(type) {
	case SearchInputSection:
		// selecting the synthetic row is not a navigation action
		return Room{}, false
	case ListingSection:
		if path.Row < 0 || path.Row >= len(sec.State.Rooms) {
			logger.Debug().Int("row", path.Row).Msg("selectedRoom: row out of range")
			return Room{}, false
		}
		return sec.State.Rooms[path.Row], true
	default:
		internal.Assert("selectedRoom: unknown section type", false)
	}
	return Room{}, false
}

// joinTarget resolves path to the room ID or alias to join. Listing rows are always looked up
// at section 0 of the listing source, whichever visual section they are shown in.
func (c *Controller) joinTarget(path IndexPath) (string, bool) {
	if path.Section < 0 || path.Section >= len(c.sections) {
		logger.Debug().Int("section", path.Section).Msg("joinTarget: section out of range")
		return "", false
	}
	switch sec := c.sections[path.Section].(type) {
	case SearchInputSection:
		return sec.Entry.Identifier, true
	case ListingSection:
		room := c.source.ItemAt(IndexPath{Section: 0, Row: path.Row})
		if room == nil {
			logger.Debug().Int("row", path.Row).Msg("joinTarget: no room at row")
			return "", false
		}
		return room.Identifier(), true
	default:
		internal.Assert("joinTarget: unknown section type", false)
	}
	return "", false
}

// join must be called with c.mu held. The lock is released while the joiner is called.
func (c *Controller) join(target string) {
	c.mu.Unlock()
	c.joiner.Join(target, func(err error) {
		c.onJoined(target, err)
	})
	c.mu.Lock()
}

func (c *Controller) onJoined(target string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.torndown {
		return
	}
	if err != nil {
		logger.Warn().Err(err).Str("room", target).Msg("failed to join room")
		c.notify(ViewError{Err: err})
		return
	}
	c.rebuildSections()
	c.notify(ViewLoaded{Sections: slices.Clone(c.sections)})
}

// paginate must be called with c.mu held. The lock is released while the listing source
// starts the fetch.
func (c *Controller) paginate(force bool) {
	if !force && (c.source.HasReachedEnd() || c.current != nil) {
		return
	}
	c.notify(ViewLoading{})
	if force {
		c.cancelCurrent()
	}
	c.generation++
	op := &operation{generation: c.generation}
	c.current = op

	c.mu.Unlock()
	handle := c.source.Paginate(func(itemsAdded int) {
		c.onPaginated(op.generation, itemsAdded)
	}, func(err error) {
		c.onPaginateFailed(op.generation, err)
	})
	c.mu.Lock()

	if op.canceled {
		// superseded or torn down while the lock was released
		if handle != nil && !op.done {
			handle.Cancel()
		}
		return
	}
	op.handle = handle
}

// cancelCurrent must be called with c.mu held. The canceled operation's completion, if it
// still arrives, is ignored.
func (c *Controller) cancelCurrent() {
	op := c.current
	if op == nil {
		return
	}
	c.current = nil
	c.generation++
	op.canceled = true
	if op.handle != nil {
		op.handle.Cancel()
	}
}

// finish clears the current operation if it is the one with this generation. Returns false if
// the completion is stale.
func (c *Controller) finish(generation uint64) bool {
	if c.torndown || c.current == nil || c.current.generation != generation {
		logger.Trace().Uint64("generation", generation).Msg("ignoring stale pagination completion")
		return false
	}
	c.current.done = true
	c.current = nil
	return true
}

func (c *Controller) onPaginated(generation uint64, itemsAdded int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.finish(generation) {
		return
	}
	if itemsAdded == 0 {
		c.notify(ViewLoadedWithoutUpdate{})
		return
	}
	c.rebuildSections()
	c.notify(ViewLoaded{Sections: slices.Clone(c.sections)})
}

func (c *Controller) onPaginateFailed(generation uint64, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.finish(generation) {
		return
	}
	if err == nil {
		return
	}
	c.notify(ViewError{Err: err})
}

func (c *Controller) notify(p pubsub.Payload) {
	if err := c.notifier.Notify(ChanDirectory, p); err != nil {
		logger.Err(err).Str("payload", p.Type()).Msg("failed to notify subscriber")
	}
}

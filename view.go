package roomdirectory

import (
	"errors"
	"sync"

	"github.com/matrix-org/room-directory/directory"
	"github.com/matrix-org/room-directory/internal"
)

// the size thumbnails are requested at for API consumers
const thumbnailSize = 96

// ViewRecorder is the directory.Listener for the HTTP API. It keeps the latest view state and
// queues events until they are read.
//
// Only ViewLoaded carries sections. The controller also replaces its sections without emitting
// ViewLoaded, e.g. when a plain search resets the listing, so after any other view state the
// recorder reads them from liveSections instead.
type ViewRecorder struct {
	media        directory.MediaContext
	liveSections func() []directory.Section

	mu       sync.Mutex
	state    string
	sections []directory.Section
	// false once a view state without sections has been seen
	synced bool
	err    error
	events []eventJSON
}

// NewViewRecorder makes a recorder. liveSections is usually Controller.Sections and may be nil,
// in which case only ViewLoaded updates the sections.
func NewViewRecorder(media directory.MediaContext, liveSections func() []directory.Section) *ViewRecorder {
	return &ViewRecorder{
		media:        media,
		liveSections: liveSections,
		state:        "idle",
		synced:       true,
	}
}

type directoryResponse struct {
	State    string        `json:"state"`
	Error    *errorJSON    `json:"error,omitempty"`
	Sections []sectionJSON `json:"sections"`
	Events   []eventJSON   `json:"events,omitempty"`
}

type errorJSON struct {
	ErrCode string `json:"errcode,omitempty"`
	Err     string `json:"error"`
}

type sectionJSON struct {
	Type          string      `json:"type"`
	Rows          []entryJSON `json:"rows"`
	HasReachedEnd bool        `json:"has_reached_end,omitempty"`
	SearchPattern string      `json:"search_pattern,omitempty"`
}

type entryJSON struct {
	Title        string  `json:"title"`
	UserCount    int     `json:"user_count"`
	Subtitle     *string `json:"subtitle,omitempty"`
	Joined       bool    `json:"joined"`
	Identifier   string  `json:"identifier"`
	AvatarURL    *string `json:"avatar_url,omitempty"`
	ThumbnailURL string  `json:"thumbnail_url,omitempty"`
}

type eventJSON struct {
	Type          string   `json:"type"`
	RoomIDOrAlias string   `json:"room_id_or_alias,omitempty"`
	Servers       []string `json:"servers,omitempty"`
}

func (v *ViewRecorder) setState(state string, sections []directory.Section, err error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.state = state
	if sections != nil {
		v.sections = sections
		v.synced = true
	} else {
		v.synced = false
	}
	v.err = err
}

func (v *ViewRecorder) addEvent(e eventJSON) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.events = append(v.events, e)
}

func (v *ViewRecorder) OnLoading() {
	v.setState("loading", nil, nil)
}

func (v *ViewRecorder) OnLoaded(sections []directory.Section) {
	logger.Trace().Int("sections", len(sections)).Msg("directory loaded")
	v.setState("loaded", sections, nil)
}

func (v *ViewRecorder) OnLoadedWithoutUpdate() {
	v.setState("loaded", nil, nil)
}

func (v *ViewRecorder) OnError(err error) {
	logger.Warn().Err(err).Msg("directory error")
	v.setState("error", nil, err)
}

func (v *ViewRecorder) OnRoomSelected(roomIDOrAlias string) {
	logger.Info().Str("room", roomIDOrAlias).Msg("room selected")
	v.addEvent(eventJSON{Type: "room_selected", RoomIDOrAlias: roomIDOrAlias})
}

func (v *ViewRecorder) OnCreateRoomRequested() {
	logger.Info().Msg("create room requested")
	v.addEvent(eventJSON{Type: "create_room"})
}

func (v *ViewRecorder) OnShowServerPicker(picker *directory.ServerPicker) {
	e := eventJSON{Type: "server_picker"}
	if picker != nil {
		e.Servers = picker.Servers()
	}
	v.addEvent(e)
}

func (v *ViewRecorder) OnCanceled() {
	logger.Info().Msg("directory canceled")
	v.setState("canceled", nil, nil)
	v.addEvent(eventJSON{Type: "canceled"})
}

// Snapshot returns the view as JSON and clears the queued events.
func (v *ViewRecorder) Snapshot() directoryResponse {
	// read before taking v.mu: the controller holds its own lock while it notifies us
	var live []directory.Section
	if v.liveSections != nil {
		live = v.liveSections()
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	sections := v.sections
	if !v.synced && v.liveSections != nil {
		sections = live
	}
	res := directoryResponse{
		State:    v.state,
		Sections: make([]sectionJSON, 0, len(sections)),
		Events:   v.events,
	}
	v.events = nil
	if v.err != nil {
		res.Error = &errorJSON{Err: v.err.Error()}
		var herr *internal.HandlerError
		if errors.As(v.err, &herr) {
			res.Error.ErrCode = herr.MatrixErrCode
		}
	}
	for _, s := range sections {
		res.Sections = append(res.Sections, v.sectionJSON(s))
	}
	return res
}

func (v *ViewRecorder) sectionJSON(s directory.Section) sectionJSON {
	switch sec := s.(type) {
	case directory.SearchInputSection:
		return sectionJSON{
			Type: "search_input",
			Rows: []entryJSON{v.entryJSON(sec.Entry)},
		}
	case directory.ListingSection:
		rows := make([]entryJSON, 0, len(sec.State.Rooms))
		for _, r := range sec.State.Rooms {
			rows = append(rows, v.entryJSON(r.Entry(v.media)))
		}
		return sectionJSON{
			Type:          "listing",
			Rows:          rows,
			HasReachedEnd: sec.State.HasReachedEnd,
			SearchPattern: sec.State.SearchPattern,
		}
	default:
		internal.Assert("sectionJSON: unknown section type", false)
	}
	return sectionJSON{}
}

func (v *ViewRecorder) entryJSON(e directory.Entry) entryJSON {
	j := entryJSON{
		Title:      e.Title,
		UserCount:  e.UserCount,
		Subtitle:   e.Subtitle,
		Joined:     e.Joined,
		Identifier: e.Identifier,
		AvatarURL:  e.AvatarURL,
	}
	if e.AvatarURL != nil && e.Media != nil {
		j.ThumbnailURL = e.Media.ThumbnailURL(*e.AvatarURL, thumbnailSize, thumbnailSize)
	}
	return j
}

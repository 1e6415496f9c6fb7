package roomdirectory

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/matrix-org/complement/must"
	"github.com/matrix-org/room-directory/directory"
	"github.com/matrix-org/room-directory/pubsub"
	"github.com/matrix-org/room-directory/resolver"
	"github.com/tidwall/gjson"
)

type noopHandle struct{}

func (noopHandle) Cancel() {}

// syncSource completes every page before Paginate returns.
type syncSource struct {
	mu                 sync.Mutex
	pages              [][]directory.Room
	rooms              []directory.Room
	searchPattern      string
	includeAllNetworks bool
	homeserver         string
	protocolInstance   *directory.ThirdPartyInstance
	// drop every fetched room and remaining page when the pattern changes
	resetOnSearch bool
}

func (s *syncSource) Paginate(onSuccess func(int), onFailure func(error)) directory.Cancelable {
	s.mu.Lock()
	added := 0
	if len(s.pages) > 0 {
		added = len(s.pages[0])
		s.rooms = append(s.rooms, s.pages[0]...)
		s.pages = s.pages[1:]
	}
	s.mu.Unlock()
	onSuccess(added)
	return noopHandle{}
}

func (s *syncSource) HasReachedEnd() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pages) == 0
}

func (s *syncSource) SearchPattern() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.searchPattern
}

func (s *syncSource) SetSearchPattern(p string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.searchPattern = p
	if s.resetOnSearch {
		s.rooms = nil
		s.pages = nil
	}
}

func (s *syncSource) IncludeAllNetworks() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.includeAllNetworks
}

func (s *syncSource) SetIncludeAllNetworks(include bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.includeAllNetworks = include
}

func (s *syncSource) Homeserver() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.homeserver
}

func (s *syncSource) SetHomeserver(server string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.homeserver = server
}

func (s *syncSource) ProtocolInstance() *directory.ThirdPartyInstance {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.protocolInstance
}

func (s *syncSource) SetProtocolInstance(i *directory.ThirdPartyInstance) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.protocolInstance = i
}

func (s *syncSource) ItemAt(path directory.IndexPath) *directory.Room {
	s.mu.Lock()
	defer s.mu.Unlock()
	if path.Section != 0 || path.Row < 0 || path.Row >= len(s.rooms) {
		return nil
	}
	r := s.rooms[path.Row]
	return &r
}

func (s *syncSource) Rooms() []directory.Room {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]directory.Room(nil), s.rooms...)
}

// joinRecorder joins every room successfully. Aliases resolve to the room ID with the same
// localpart.
type joinRecorder struct {
	mu       sync.Mutex
	joined   []string
	onJoined func(roomID, roomIDOrAlias string)
}

func (j *joinRecorder) Join(roomIDOrAlias string, completion func(err error)) {
	j.mu.Lock()
	j.joined = append(j.joined, roomIDOrAlias)
	j.mu.Unlock()
	j.onJoined("!"+roomIDOrAlias[1:], roomIDOrAlias)
	completion(nil)
}

type staticLister struct{}

func (staticLister) ThirdPartyInstances(ctx context.Context, server string) ([]directory.ThirdPartyInstance, error) {
	return []directory.ThirdPartyInstance{
		{Protocol: "irc", InstanceID: "irc-libera", NetworkID: "libera", Desc: "Libera"},
	}, nil
}

type mediaURL struct{}

func (mediaURL) ThumbnailURL(mxcURI string, width, height int) string {
	return "https://example.org/thumb/" + mxcURI[len("mxc://"):]
}

type testRig struct {
	srv    *httptest.Server
	source *syncSource
	joiner *joinRecorder
	events []eventJSON
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()
	source := &syncSource{
		pages: [][]directory.Room{
			{
				{RoomID: "!a:example.org", Name: "A", AvatarURL: "mxc://example.org/a", NumJoinedMembers: 3},
				{RoomID: "!b:example.org", Name: "B"},
			},
		},
	}
	res := resolver.NewResolver("@alice:example.org", nil)
	joiner := &joinRecorder{onJoined: res.Joined}
	picker := directory.NewServerPicker([]string{"example.org", "matrix.org"}, staticLister{})
	ps := pubsub.NewPubSub(100)
	c := directory.NewController(source, res, joiner, picker, ps)
	view := NewViewRecorder(mediaURL{}, c.Sections)
	sub := directory.NewSub(ps, view)
	go sub.Listen()
	srv := httptest.NewServer(NewHandler(&API{
		Controller: c,
		Picker:     picker,
		View:       view,
	}))
	t.Cleanup(func() {
		srv.Close()
		c.Teardown()
	})
	return &testRig{
		srv:    srv,
		source: source,
		joiner: joiner,
	}
}

func (r *testRig) do(t *testing.T, method, path string, body interface{}) (int, gjson.Result) {
	t.Helper()
	var b []byte
	if body != nil {
		var err error
		b, err = json.Marshal(body)
		must.NotError(t, "marshal body", err)
	}
	req, err := http.NewRequest(method, r.srv.URL+path, bytes.NewReader(b))
	must.NotError(t, "NewRequest", err)
	res, err := r.srv.Client().Do(req)
	must.NotError(t, method+" "+path, err)
	defer res.Body.Close()
	var buf bytes.Buffer
	buf.ReadFrom(res.Body)
	return res.StatusCode, gjson.ParseBytes(buf.Bytes())
}

// waitFor polls GET /directory until check passes, remembering every event seen on the way.
func (r *testRig) waitFor(t *testing.T, desc string, check func(d directoryResponse) bool) directoryResponse {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		status, body := r.do(t, "GET", "/directory", nil)
		must.Equal(t, status, 200, "GET /directory")
		var d directoryResponse
		must.NotError(t, "unmarshal directory", json.Unmarshal([]byte(body.Raw), &d))
		r.events = append(r.events, d.Events...)
		if check(d) {
			return d
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s, last response %s", desc, body.Raw)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func (r *testRig) sawEvent(typ string) *eventJSON {
	for i := range r.events {
		if r.events[i].Type == typ {
			return &r.events[i]
		}
	}
	return nil
}

func TestAPILoadSearchSelectJoin(t *testing.T) {
	rig := newTestRig(t)

	status, _ := rig.do(t, "POST", "/directory/load", nil)
	must.Equal(t, status, http.StatusAccepted, "load")
	d := rig.waitFor(t, "the first page", func(d directoryResponse) bool {
		return d.State == "loaded" && len(d.Sections) == 1 && len(d.Sections[0].Rows) == 2
	})
	must.Equal(t, d.Sections[0].Type, "listing", "section type")
	must.Equal(t, d.Sections[0].HasReachedEnd, true, "has reached end")
	row := d.Sections[0].Rows[0]
	must.Equal(t, row.Title, "A", "row title")
	must.Equal(t, row.UserCount, 3, "row user count")
	must.Equal(t, row.ThumbnailURL, "https://example.org/thumb/example.org/a", "row thumbnail")

	status, _ = rig.do(t, "POST", "/directory/search", searchRequest{Pattern: "#general:example.org"})
	must.Equal(t, status, http.StatusAccepted, "search")
	d = rig.waitFor(t, "the search row", func(d directoryResponse) bool {
		return len(d.Sections) == 2
	})
	must.Equal(t, d.Sections[0].Type, "search_input", "first section type")
	must.Equal(t, d.Sections[0].Rows[0].Title, "#general:example.org", "search row title")
	must.Equal(t, d.Sections[1].SearchPattern, "#general:example.org", "listing search pattern")

	status, _ = rig.do(t, "POST", "/directory/select/1/1", nil)
	must.Equal(t, status, http.StatusAccepted, "select")
	rig.waitFor(t, "room selected", func(d directoryResponse) bool {
		return rig.sawEvent("room_selected") != nil
	})
	must.Equal(t, rig.sawEvent("room_selected").RoomIDOrAlias, "!b:example.org", "selected room")

	status, _ = rig.do(t, "POST", "/directory/join/0/0", nil)
	must.Equal(t, status, http.StatusAccepted, "join")
	rig.joiner.mu.Lock()
	must.Equal(t, len(rig.joiner.joined), 1, "joins")
	must.Equal(t, rig.joiner.joined[0], "#general:example.org", "joined identifier")
	rig.joiner.mu.Unlock()
}

func TestAPISearchWithoutResultsClearsRows(t *testing.T) {
	rig := newTestRig(t)
	rig.source.mu.Lock()
	rig.source.resetOnSearch = true
	rig.source.mu.Unlock()

	rig.do(t, "POST", "/directory/load", nil)
	rig.waitFor(t, "the first page", func(d directoryResponse) bool {
		return d.State == "loaded" && len(d.Sections) == 1 && len(d.Sections[0].Rows) == 2
	})

	status, _ := rig.do(t, "POST", "/directory/search", searchRequest{Pattern: "nomatch"})
	must.Equal(t, status, http.StatusAccepted, "search")
	d := rig.waitFor(t, "the filtered listing", func(d directoryResponse) bool {
		return d.State == "loaded" && len(d.Sections) == 1 && d.Sections[0].SearchPattern == "nomatch"
	})
	must.Equal(t, d.Sections[0].Type, "listing", "section type")
	must.Equal(t, len(d.Sections[0].Rows), 0, "rows from before the search")
}

func TestAPIJoinUnknownRoomByID(t *testing.T) {
	rig := newTestRig(t)
	rig.do(t, "POST", "/directory/search", searchRequest{Pattern: "!abc:example.org"})
	d := rig.waitFor(t, "the search row", func(d directoryResponse) bool {
		return len(d.Sections) == 2
	})
	must.Equal(t, d.Sections[0].Rows[0].Joined, false, "joined before the join")

	status, _ := rig.do(t, "POST", "/directory/join/0/0", nil)
	must.Equal(t, status, http.StatusAccepted, "join")
	d = rig.waitFor(t, "the joined search row", func(d directoryResponse) bool {
		return len(d.Sections) == 2 && d.Sections[0].Rows[0].Joined
	})
	row := d.Sections[0].Rows[0]
	must.Equal(t, row.Title, "!abc:example.org", "title")
	must.Equal(t, row.Identifier, "!abc:example.org", "identifier")
	must.Equal(t, row.UserCount, 1, "user count")
}

func TestAPIEvents(t *testing.T) {
	rig := newTestRig(t)
	rig.do(t, "POST", "/directory/create", nil)
	rig.do(t, "POST", "/directory/switch", nil)
	rig.do(t, "POST", "/directory/cancel", nil)
	rig.waitFor(t, "events", func(d directoryResponse) bool {
		return rig.sawEvent("canceled") != nil
	})
	if rig.sawEvent("create_room") == nil {
		t.Fatalf("create_room event missing from %+v", rig.events)
	}
	picker := rig.sawEvent("server_picker")
	if picker == nil {
		t.Fatalf("server_picker event missing from %+v", rig.events)
	}
	must.Equal(t, len(picker.Servers), 2, "picker servers")
}

func TestAPIBadRequests(t *testing.T) {
	rig := newTestRig(t)
	testCases := []struct {
		name        string
		method      string
		path        string
		body        interface{}
		wantStatus  int
		wantErrCode string
	}{
		{
			name:        "non-integer section",
			method:      "POST",
			path:        "/directory/select/x/0",
			wantStatus:  400,
			wantErrCode: "M_INVALID_PARAM",
		},
		{
			name:        "non-integer row",
			method:      "POST",
			path:        "/directory/join/0/y",
			wantStatus:  400,
			wantErrCode: "M_INVALID_PARAM",
		},
		{
			name:        "search without a body",
			method:      "POST",
			path:        "/directory/search",
			wantStatus:  400,
			wantErrCode: "M_BAD_JSON",
		},
		{
			name:        "all networks and an instance",
			method:      "POST",
			path:        "/directory/server",
			body:        setServerRequest{IncludeAllNetworks: true, ThirdPartyInstanceID: "irc-libera"},
			wantStatus:  400,
			wantErrCode: "M_INVALID_PARAM",
		},
		{
			name:        "unknown instance",
			method:      "POST",
			path:        "/directory/server",
			body:        setServerRequest{ThirdPartyInstanceID: "irc-nope"},
			wantStatus:  404,
			wantErrCode: "M_NOT_FOUND",
		},
	}
	for _, tc := range testCases {
		status, body := rig.do(t, tc.method, tc.path, tc.body)
		must.Equal(t, status, tc.wantStatus, tc.name+": status")
		must.Equal(t, body.Get("errcode").Str, tc.wantErrCode, tc.name+": errcode")
	}
}

func TestAPIServers(t *testing.T) {
	rig := newTestRig(t)
	status, body := rig.do(t, "GET", "/directory/server", nil)
	must.Equal(t, status, 200, "GET /directory/server")
	must.Equal(t, body.Get("servers.#").Int(), int64(2), "servers")
	must.Equal(t, body.Get("protocols.0.instance_id").Str, "irc-libera", "protocol instance")

	status, _ = rig.do(t, "POST", "/directory/server", setServerRequest{Server: "matrix.org", IncludeAllNetworks: true})
	must.Equal(t, status, http.StatusAccepted, "set server")
	must.Equal(t, rig.source.Homeserver(), "matrix.org", "homeserver")
	must.Equal(t, rig.source.IncludeAllNetworks(), true, "include all networks")

	status, _ = rig.do(t, "POST", "/directory/server", setServerRequest{ThirdPartyInstanceID: "irc-libera"})
	must.Equal(t, status, http.StatusAccepted, "set instance")
	inst := rig.source.ProtocolInstance()
	if inst == nil || inst.InstanceID != "irc-libera" {
		t.Fatalf("protocol instance is %+v, want irc-libera", inst)
	}
	must.Equal(t, rig.source.Homeserver(), "matrix.org", "homeserver is untouched by an instance")
}

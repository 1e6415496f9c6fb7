package client

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/matrix-org/complement/must"
	"github.com/matrix-org/room-directory/internal"
	"github.com/tidwall/gjson"
)

const accessToken = "syt_alice_token"

func newTestServer(t *testing.T, handler http.HandlerFunc) (*HTTPClient, func()) {
	t.Helper()
	srv := httptest.NewServer(handler)
	return NewHTTPClient(srv.URL, 5*time.Second), srv.Close
}

func TestPublicRoomsRequestAndResponse(t *testing.T) {
	var gotBody gjson.Result
	var gotServer, gotAuth string
	c, closeSrv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != "POST" || r.URL.Path != "/_matrix/client/v3/publicRooms" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		gotServer = r.URL.Query().Get("server")
		gotAuth = r.Header.Get("Authorization")
		b, _ := io.ReadAll(r.Body)
		gotBody = gjson.ParseBytes(b)
		w.WriteHeader(200)
		w.Write([]byte(`{
			"chunk": [
				{"room_id": "!abc:example.org", "name": "Matrix HQ", "canonical_alias": "#matrix:example.org",
				 "topic": "The Official Matrix HQ", "avatar_url": "mxc://example.org/abc", "num_joined_members": 42,
				 "world_readable": true, "guest_can_join": false, "join_rule": "public"},
				{"room_id": "!def:example.org", "num_joined_members": 1, "room_type": "m.space"}
			],
			"next_batch": "p190q",
			"total_room_count_estimate": 115
		}`))
	})
	defer closeSrv()

	res, err := c.PublicRooms(context.Background(), accessToken, PublicRoomsRequest{
		Server:     "example.org",
		Limit:      20,
		Since:      "p100q",
		SearchTerm: "matrix",
	})
	must.NotError(t, "PublicRooms", err)
	must.Equal(t, gotServer, "example.org", "server query param")
	must.Equal(t, gotAuth, "Bearer "+accessToken, "Authorization header")
	must.Equal(t, gotBody.Get("limit").Int(), int64(20), "limit")
	must.Equal(t, gotBody.Get("since").Str, "p100q", "since")
	must.Equal(t, gotBody.Get("filter.generic_search_term").Str, "matrix", "search term")
	must.Equal(t, gotBody.Get("include_all_networks").Exists(), false, "include_all_networks should be omitted")

	must.Equal(t, res.NextBatch, "p190q", "next_batch")
	must.Equal(t, res.TotalRoomCountEstimate, 115, "total_room_count_estimate")
	must.Equal(t, len(res.Chunk), 2, "chunk length")
	must.Equal(t, res.Chunk[0], PublicRoom{
		RoomID:           "!abc:example.org",
		Name:             "Matrix HQ",
		CanonicalAlias:   "#matrix:example.org",
		Topic:            "The Official Matrix HQ",
		AvatarURL:        "mxc://example.org/abc",
		NumJoinedMembers: 42,
		WorldReadable:    true,
		JoinRule:         "public",
	}, "chunk[0]")
	must.Equal(t, res.Chunk[1].RoomType, "m.space", "chunk[1] room type")
}

func TestPublicRoomsBodyNetworks(t *testing.T) {
	testCases := []struct {
		name         string
		req          PublicRoomsRequest
		wantAll      bool
		wantInstance string
	}{
		{
			name: "local directory",
		},
		{
			name:    "all networks",
			req:     PublicRoomsRequest{IncludeAllNetworks: true},
			wantAll: true,
		},
		{
			name:         "instance wins over all networks",
			req:          PublicRoomsRequest{IncludeAllNetworks: true, ThirdPartyInstanceID: "irc-libera"},
			wantInstance: "irc-libera",
		},
	}
	for _, tc := range testCases {
		body, err := publicRoomsBody(tc.req)
		must.NotError(t, tc.name, err)
		b := gjson.ParseBytes(body)
		must.Equal(t, b.Get("include_all_networks").Bool(), tc.wantAll, tc.name+": include_all_networks")
		must.Equal(t, b.Get("third_party_instance_id").Str, tc.wantInstance, tc.name+": third_party_instance_id")
	}
}

func TestErrorResponses(t *testing.T) {
	c, closeSrv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/_matrix/client/v3/publicRooms":
			w.WriteHeader(401)
			w.Write([]byte(`{"errcode":"M_UNKNOWN_TOKEN","error":"Unknown access token"}`))
		case "/_matrix/client/v3/join/#nope:example.org":
			w.WriteHeader(404)
			w.Write([]byte(`{"errcode":"M_NOT_FOUND","error":"Room alias #nope:example.org not found"}`))
		default:
			w.WriteHeader(502)
		}
	})
	defer closeSrv()

	_, err := c.PublicRooms(context.Background(), accessToken, PublicRoomsRequest{})
	if !errors.Is(err, HTTP401) {
		t.Fatalf("401 response returned %v, want HTTP401", err)
	}

	_, err = c.JoinRoom(context.Background(), accessToken, "#nope:example.org", nil)
	var herr *internal.HandlerError
	if !errors.As(err, &herr) {
		t.Fatalf("404 response returned %T, want *internal.HandlerError", err)
	}
	must.Equal(t, herr.StatusCode, 404, "status code")
	must.Equal(t, herr.MatrixErrCode, "M_NOT_FOUND", "errcode")

	_, err = c.ThirdPartyProtocols(context.Background(), accessToken)
	if !errors.As(err, &herr) {
		t.Fatalf("502 response returned %T, want *internal.HandlerError", err)
	}
	must.Equal(t, herr.StatusCode, 502, "status code")
	must.Equal(t, herr.MatrixErrCode, "", "errcode of an empty body")
}

func TestWhoAmI(t *testing.T) {
	c, closeSrv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+accessToken {
			w.WriteHeader(401)
			w.Write([]byte(`{"errcode":"M_UNKNOWN_TOKEN","error":"Unknown token"}`))
			return
		}
		if r.URL.Path != "/_matrix/client/v3/account/whoami" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.WriteHeader(200)
		w.Write([]byte(`{"user_id":"@alice:example.org","device_id":"ALICEDEVICE"}`))
	})
	defer closeSrv()

	userID, deviceID, err := c.WhoAmI(context.Background(), accessToken)
	must.NotError(t, "WhoAmI", err)
	must.Equal(t, userID, "@alice:example.org", "user ID")
	must.Equal(t, deviceID, "ALICEDEVICE", "device ID")

	_, _, err = c.WhoAmI(context.Background(), "syt_wrong_token")
	if !errors.Is(err, HTTP401) {
		t.Fatalf("WhoAmI with a bad token returned %v, want HTTP401", err)
	}
}

func TestJoinRoom(t *testing.T) {
	var gotPath string
	var gotServerNames []string
	c, closeSrv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotServerNames = r.URL.Query()["server_name"]
		w.WriteHeader(200)
		w.Write([]byte(`{"room_id":"!general:example.org"}`))
	})
	defer closeSrv()

	roomID, err := c.JoinRoom(context.Background(), accessToken, "#general:example.org", []string{"example.org", "matrix.org"})
	must.NotError(t, "JoinRoom", err)
	must.Equal(t, roomID, "!general:example.org", "room ID")
	must.Equal(t, gotPath, "/_matrix/client/v3/join/#general:example.org", "path")
	must.Equal(t, len(gotServerNames), 2, "server_name params")
	must.Equal(t, gotServerNames[1], "matrix.org", "second server_name")
}

func TestThirdPartyProtocols(t *testing.T) {
	c, closeSrv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/_matrix/client/v3/thirdparty/protocols" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.WriteHeader(200)
		w.Write([]byte(`{
			"irc": {
				"icon": "mxc://example.org/irc",
				"instances": [
					{"desc": "Libera", "instance_id": "irc-libera", "network_id": "libera", "fields": {}},
					{"desc": "OFTC", "instance_id": "irc-oftc", "network_id": "oftc", "fields": {}}
				]
			},
			"gitter": {"instances": []}
		}`))
	})
	defer closeSrv()

	protocols, err := c.ThirdPartyProtocols(context.Background(), accessToken)
	must.NotError(t, "ThirdPartyProtocols", err)
	must.Equal(t, len(protocols), 2, "number of protocols")
	irc := protocols["irc"]
	must.Equal(t, irc.Icon, "mxc://example.org/irc", "irc icon")
	must.Equal(t, len(irc.Instances), 2, "irc instances")
	must.Equal(t, irc.Instances[1], ProtocolInstance{Desc: "OFTC", InstanceID: "irc-oftc", NetworkID: "oftc"}, "irc instance 1")
	must.Equal(t, len(protocols["gitter"].Instances), 0, "gitter instances")
}

func TestThumbnailURL(t *testing.T) {
	c := NewHTTPClient("https://matrix.example.org", time.Second)
	must.Equal(t,
		c.ThumbnailURL("mxc://example.org/abcdef", 64, 32),
		"https://matrix.example.org/_matrix/media/v3/thumbnail/example.org/abcdef?height=32&method=scale&width=64",
		"thumbnail URL",
	)
	must.Equal(t, c.ThumbnailURL("https://example.org/a.png", 64, 64), "", "non-mxc URI")
	must.Equal(t, c.ThumbnailURL("mxc://example.org", 64, 64), "", "mxc URI without media ID")
}

func TestJoiner(t *testing.T) {
	c, closeSrv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/_matrix/client/v3/join/!forbidden:example.org" {
			w.WriteHeader(403)
			w.Write([]byte(`{"errcode":"M_FORBIDDEN","error":"You are not invited to this room."}`))
			return
		}
		w.WriteHeader(200)
		w.Write([]byte(`{"room_id":"!general:example.org"}`))
	})
	defer closeSrv()
	pool := internal.NewWorkerPool(1)
	pool.Start()
	defer pool.Stop()

	joined := make(chan [2]string, 1)
	j := &Joiner{
		Client:      c,
		AccessToken: accessToken,
		Pool:        pool,
		Timeout:     time.Second,
		OnJoined: func(roomID, roomIDOrAlias string) {
			joined <- [2]string{roomID, roomIDOrAlias}
		},
	}

	errCh := make(chan error, 1)
	j.Join("#general:example.org", func(err error) {
		errCh <- err
	})
	select {
	case err := <-errCh:
		must.NotError(t, "Join", err)
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for join completion")
	}
	must.Equal(t, <-joined, [2]string{"!general:example.org", "#general:example.org"}, "OnJoined args")

	j.Join("!forbidden:example.org", func(err error) {
		errCh <- err
	})
	select {
	case err := <-errCh:
		var herr *internal.HandlerError
		if !errors.As(err, &herr) || herr.MatrixErrCode != "M_FORBIDDEN" {
			t.Fatalf("Join returned %v, want an M_FORBIDDEN HandlerError", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for join completion")
	}
	if len(joined) != 0 {
		t.Fatalf("OnJoined was called for a failed join")
	}
}

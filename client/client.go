package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/matrix-org/room-directory/internal"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

var ProxyVersion = ""
var HTTP401 error = fmt.Errorf("HTTP 401")

type Client interface {
	// WhoAmI looks up the owner of the access token with GET /account/whoami.
	WhoAmI(ctx context.Context, accessToken string) (userID, deviceID string, err error)
	// PublicRooms fetches one page of a room directory with POST /publicRooms.
	PublicRooms(ctx context.Context, accessToken string, req PublicRoomsRequest) (*PublicRoomsResponse, error)
	// JoinRoom joins a room by ID or alias and returns the room ID which was joined.
	JoinRoom(ctx context.Context, accessToken, roomIDOrAlias string, serverNames []string) (string, error)
	// ThirdPartyProtocols lists the protocols bridged by application services on the homeserver.
	ThirdPartyProtocols(ctx context.Context, accessToken string) (map[string]Protocol, error)
}

type PublicRoomsRequest struct {
	// the homeserver whose directory to fetch, or "" for the user's own
	Server               string
	Limit                int
	Since                string
	SearchTerm           string
	IncludeAllNetworks   bool
	ThirdPartyInstanceID string
}

type PublicRoomsResponse struct {
	Chunk                  []PublicRoom
	NextBatch              string
	PrevBatch              string
	TotalRoomCountEstimate int
}

type PublicRoom struct {
	RoomID           string
	Name             string
	CanonicalAlias   string
	Topic            string
	AvatarURL        string
	NumJoinedMembers int
	WorldReadable    bool
	GuestCanJoin     bool
	JoinRule         string
	RoomType         string
}

type Protocol struct {
	Icon      string
	Instances []ProtocolInstance
}

type ProtocolInstance struct {
	Desc       string
	Icon       string
	InstanceID string
	NetworkID  string
}

// HTTPClient talks to one homeserver's client-server API.
// One client can be shared among many controllers.
type HTTPClient struct {
	Client            *http.Client
	DestinationServer internal.HomeServerUrl
}

// NewHTTPClient makes a client for the homeserver at destination, which is either a base URL or
// the path to a unix socket. Requests are traced with OpenTelemetry.
func NewHTTPClient(destination string, timeout time.Duration) *HTTPClient {
	hsURL := internal.HomeServerUrl{HttpOrUnixStr: destination}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if hsURL.IsUnixSocket() {
		socket := hsURL.GetUnixSocket()
		transport.DialContext = func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", socket)
		}
	}
	return &HTTPClient{
		Client: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(transport),
		},
		DestinationServer: hsURL,
	}
}

// Return HTTP401 if the access token is unknown.
func (v *HTTPClient) WhoAmI(ctx context.Context, accessToken string) (string, string, error) {
	res, err := v.do(ctx, "GET", v.DestinationServer.Endpoint("/_matrix/client/v3/account/whoami"), accessToken, nil)
	if err != nil {
		return "", "", fmt.Errorf("WhoAmI: %w", err)
	}
	response := gjson.ParseBytes(res)
	userID := response.Get("user_id").Str
	if userID == "" {
		return "", "", fmt.Errorf("WhoAmI: response is missing user_id")
	}
	return userID, response.Get("device_id").Str, nil
}

func (v *HTTPClient) PublicRooms(ctx context.Context, accessToken string, pr PublicRoomsRequest) (*PublicRoomsResponse, error) {
	body, err := publicRoomsBody(pr)
	if err != nil {
		return nil, fmt.Errorf("PublicRooms: failed to build request body: %w", err)
	}
	u := v.DestinationServer.Endpoint("/_matrix/client/v3/publicRooms")
	if pr.Server != "" {
		u += "?server=" + url.QueryEscape(pr.Server)
	}
	res, err := v.do(ctx, "POST", u, accessToken, body)
	if err != nil {
		return nil, fmt.Errorf("PublicRooms: %w", err)
	}
	response := gjson.ParseBytes(res)
	resp := &PublicRoomsResponse{
		NextBatch:              response.Get("next_batch").Str,
		PrevBatch:              response.Get("prev_batch").Str,
		TotalRoomCountEstimate: int(response.Get("total_room_count_estimate").Int()),
	}
	response.Get("chunk").ForEach(func(_, room gjson.Result) bool {
		resp.Chunk = append(resp.Chunk, PublicRoom{
			RoomID:           room.Get("room_id").Str,
			Name:             room.Get("name").Str,
			CanonicalAlias:   room.Get("canonical_alias").Str,
			Topic:            room.Get("topic").Str,
			AvatarURL:        room.Get("avatar_url").Str,
			NumJoinedMembers: int(room.Get("num_joined_members").Int()),
			WorldReadable:    room.Get("world_readable").Bool(),
			GuestCanJoin:     room.Get("guest_can_join").Bool(),
			JoinRule:         room.Get("join_rule").Str,
			RoomType:         room.Get("room_type").Str,
		})
		return true
	})
	return resp, nil
}

func publicRoomsBody(pr PublicRoomsRequest) ([]byte, error) {
	body := []byte(`{}`)
	var err error
	if pr.Limit > 0 {
		if body, err = sjson.SetBytes(body, "limit", pr.Limit); err != nil {
			return nil, err
		}
	}
	if pr.Since != "" {
		if body, err = sjson.SetBytes(body, "since", pr.Since); err != nil {
			return nil, err
		}
	}
	if pr.SearchTerm != "" {
		if body, err = sjson.SetBytes(body, "filter.generic_search_term", pr.SearchTerm); err != nil {
			return nil, err
		}
	}
	// the two are mutually exclusive: a bridged network's directory never includes other networks
	if pr.ThirdPartyInstanceID != "" {
		body, err = sjson.SetBytes(body, "third_party_instance_id", pr.ThirdPartyInstanceID)
	} else if pr.IncludeAllNetworks {
		body, err = sjson.SetBytes(body, "include_all_networks", true)
	}
	return body, err
}

func (v *HTTPClient) JoinRoom(ctx context.Context, accessToken, roomIDOrAlias string, serverNames []string) (string, error) {
	u := v.DestinationServer.Endpoint("/_matrix/client/v3/join/" + url.PathEscape(roomIDOrAlias))
	if len(serverNames) > 0 {
		qps := url.Values{}
		for _, sn := range serverNames {
			qps.Add("server_name", sn)
		}
		u += "?" + qps.Encode()
	}
	res, err := v.do(ctx, "POST", u, accessToken, []byte(`{}`))
	if err != nil {
		return "", fmt.Errorf("JoinRoom: %w", err)
	}
	roomID := gjson.GetBytes(res, "room_id").Str
	if roomID == "" {
		return "", fmt.Errorf("JoinRoom: response is missing room_id")
	}
	return roomID, nil
}

func (v *HTTPClient) ThirdPartyProtocols(ctx context.Context, accessToken string) (map[string]Protocol, error) {
	res, err := v.do(ctx, "GET", v.DestinationServer.Endpoint("/_matrix/client/v3/thirdparty/protocols"), accessToken, nil)
	if err != nil {
		return nil, fmt.Errorf("ThirdPartyProtocols: %w", err)
	}
	protocols := make(map[string]Protocol)
	gjson.ParseBytes(res).ForEach(func(name, proto gjson.Result) bool {
		p := Protocol{
			Icon: proto.Get("icon").Str,
		}
		proto.Get("instances").ForEach(func(_, inst gjson.Result) bool {
			p.Instances = append(p.Instances, ProtocolInstance{
				Desc:       inst.Get("desc").Str,
				Icon:       inst.Get("icon").Str,
				InstanceID: inst.Get("instance_id").Str,
				NetworkID:  inst.Get("network_id").Str,
			})
			return true
		})
		protocols[name.Str] = p
		return true
	})
	return protocols, nil
}

// ThumbnailURL turns an mxc:// URI into a scaled thumbnail URL on this homeserver. Returns ""
// if the URI is not a valid mxc:// URI.
func (v *HTTPClient) ThumbnailURL(mxcURI string, width, height int) string {
	u, err := url.Parse(mxcURI)
	if err != nil || u.Scheme != "mxc" || u.Host == "" || len(u.Path) < 2 {
		return ""
	}
	qps := url.Values{}
	qps.Set("width", strconv.Itoa(width))
	qps.Set("height", strconv.Itoa(height))
	qps.Set("method", "scale")
	return v.DestinationServer.Endpoint("/_matrix/media/v3/thumbnail/"+u.Host+u.Path) + "?" + qps.Encode()
}

// do performs the request and returns the body of a 200 response. Any other status is returned
// as an *internal.HandlerError, wrapping HTTP401 for 401s.
func (v *HTTPClient) do(ctx context.Context, method, u, accessToken string, body []byte) ([]byte, error) {
	var reqBody io.Reader
	if body != nil {
		reqBody = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reqBody)
	if err != nil {
		return nil, fmt.Errorf("NewRequest failed: %w", err)
	}
	req.Header.Set("User-Agent", "room-directory-"+ProxyVersion)
	if accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+accessToken)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	res, err := v.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer res.Body.Close()
	resBody, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if res.StatusCode != 200 {
		msg := gjson.GetBytes(resBody, "error").Str
		if msg == "" {
			msg = "response returned " + res.Status
		}
		herr := &internal.HandlerError{
			StatusCode:    res.StatusCode,
			MatrixErrCode: gjson.GetBytes(resBody, "errcode").Str,
			Err:           errors.New(msg),
		}
		if res.StatusCode == 401 {
			herr.Err = HTTP401
		}
		return nil, herr
	}
	return resBody, nil
}

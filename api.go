package roomdirectory

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/matrix-org/room-directory/directory"
	"github.com/matrix-org/room-directory/internal"
	"github.com/matrix-org/util"
)

// API exposes one directory controller over JSON. Actions are accepted and applied
// immediately, their view states and events are read back with GET /directory.
type API struct {
	Controller *directory.Controller
	Picker     *directory.ServerPicker
	View       *ViewRecorder
}

func makeAPI(name string, f func(req *http.Request) util.JSONResponse) http.Handler {
	return allowCORS(util.MakeJSONAPI(util.NewJSONRequestHandler(func(req *http.Request) util.JSONResponse {
		ctx, task := internal.StartTask(req.Context(), name)
		defer task.End()
		return f(req.WithContext(ctx))
	})))
}

// Register the API routes on r.
func (a *API) Register(r *mux.Router) {
	d := r.PathPrefix("/directory").Subrouter()
	d.Handle("", makeAPI("directory", a.getDirectory)).Methods(http.MethodGet, http.MethodOptions)
	d.Handle("/load", makeAPI("load", a.process(directory.LoadData{}))).Methods(http.MethodPost, http.MethodOptions)
	d.Handle("/paginate", makeAPI("paginate", a.process(directory.LoadMore{}))).Methods(http.MethodPost, http.MethodOptions)
	d.Handle("/cancel", makeAPI("cancel", a.process(directory.Cancel{}))).Methods(http.MethodPost, http.MethodOptions)
	d.Handle("/create", makeAPI("create", a.process(directory.CreateNewRoom{}))).Methods(http.MethodPost, http.MethodOptions)
	d.Handle("/switch", makeAPI("switch", a.process(directory.SwitchServer{}))).Methods(http.MethodPost, http.MethodOptions)
	d.Handle("/search", makeAPI("search", a.search)).Methods(http.MethodPost, http.MethodOptions)
	d.Handle("/select/{section}/{row}", makeAPI("select", a.rowAction(func(p directory.IndexPath) directory.Action {
		return directory.SelectRow{Path: p}
	}))).Methods(http.MethodPost, http.MethodOptions)
	d.Handle("/join/{section}/{row}", makeAPI("join", a.rowAction(func(p directory.IndexPath) directory.Action {
		return directory.JoinRow{Path: p}
	}))).Methods(http.MethodPost, http.MethodOptions)
	d.Handle("/server", makeAPI("get_server", a.getServers)).Methods(http.MethodGet)
	d.Handle("/server", makeAPI("set_server", a.setServer)).Methods(http.MethodPost, http.MethodOptions)
}

func accepted() util.JSONResponse {
	return util.JSONResponse{
		Code: http.StatusAccepted,
		JSON: struct{}{},
	}
}

func (a *API) getDirectory(req *http.Request) util.JSONResponse {
	return util.JSONResponse{
		Code: http.StatusOK,
		JSON: a.View.Snapshot(),
	}
}

func (a *API) process(action directory.Action) func(req *http.Request) util.JSONResponse {
	return func(req *http.Request) util.JSONResponse {
		a.Controller.Process(action)
		return accepted()
	}
}

func readJSON(req *http.Request, v interface{}) *util.JSONResponse {
	body, err := io.ReadAll(req.Body)
	if err != nil {
		return &util.JSONResponse{
			Code: http.StatusBadRequest,
			JSON: spec.BadJSON("failed to read request body: " + err.Error()),
		}
	}
	if err := json.Unmarshal(body, v); err != nil {
		return &util.JSONResponse{
			Code: http.StatusBadRequest,
			JSON: spec.BadJSON("request body is not valid JSON: " + err.Error()),
		}
	}
	return nil
}

type searchRequest struct {
	Pattern string `json:"pattern"`
}

func (a *API) search(req *http.Request) util.JSONResponse {
	var sr searchRequest
	if resErr := readJSON(req, &sr); resErr != nil {
		return *resErr
	}
	a.Controller.Process(directory.Search{Pattern: sr.Pattern})
	return accepted()
}

func (a *API) rowAction(makeAction func(p directory.IndexPath) directory.Action) func(req *http.Request) util.JSONResponse {
	return func(req *http.Request) util.JSONResponse {
		vars := mux.Vars(req)
		section, err := strconv.Atoi(vars["section"])
		if err != nil {
			return util.JSONResponse{
				Code: http.StatusBadRequest,
				JSON: spec.InvalidParam("section must be an integer"),
			}
		}
		row, err := strconv.Atoi(vars["row"])
		if err != nil {
			return util.JSONResponse{
				Code: http.StatusBadRequest,
				JSON: spec.InvalidParam("row must be an integer"),
			}
		}
		a.Controller.Process(makeAction(directory.IndexPath{Section: section, Row: row}))
		return accepted()
	}
}

type protocolJSON struct {
	Protocol   string `json:"protocol"`
	InstanceID string `json:"instance_id"`
	NetworkID  string `json:"network_id"`
	Desc       string `json:"desc"`
	Icon       string `json:"icon,omitempty"`
}

type serversResponse struct {
	Servers   []string       `json:"servers"`
	Protocols []protocolJSON `json:"protocols"`
}

func (a *API) getServers(req *http.Request) util.JSONResponse {
	server := req.URL.Query().Get("server")
	instances, err := a.Picker.Protocols(req.Context(), server)
	if err != nil {
		internal.ReportError(req.Context(), "Protocols", err)
		return util.JSONResponse{
			Code: http.StatusBadGateway,
			JSON: spec.Unknown("failed to list bridged networks: " + err.Error()),
		}
	}
	res := serversResponse{
		Servers:   a.Picker.Servers(),
		Protocols: make([]protocolJSON, 0, len(instances)),
	}
	for _, inst := range instances {
		res.Protocols = append(res.Protocols, protocolJSON{
			Protocol:   inst.Protocol,
			InstanceID: inst.InstanceID,
			NetworkID:  inst.NetworkID,
			Desc:       inst.Desc,
			Icon:       inst.Icon,
		})
	}
	return util.JSONResponse{
		Code: http.StatusOK,
		JSON: res,
	}
}

type setServerRequest struct {
	Server               string `json:"server"`
	IncludeAllNetworks   bool   `json:"include_all_networks"`
	ThirdPartyInstanceID string `json:"third_party_instance_id"`
}

func (a *API) setServer(req *http.Request) util.JSONResponse {
	var sr setServerRequest
	if resErr := readJSON(req, &sr); resErr != nil {
		return *resErr
	}
	if sr.IncludeAllNetworks && sr.ThirdPartyInstanceID != "" {
		return util.JSONResponse{
			Code: http.StatusBadRequest,
			JSON: spec.InvalidParam("include_all_networks and third_party_instance_id can not be used together"),
		}
	}
	override := directory.ListingSourceOverride{
		Homeserver:         sr.Server,
		IncludeAllNetworks: sr.IncludeAllNetworks,
	}
	if sr.ThirdPartyInstanceID != "" {
		instances, err := a.Picker.Protocols(req.Context(), sr.Server)
		if err != nil {
			internal.ReportError(req.Context(), "Protocols", err)
			return util.JSONResponse{
				Code: http.StatusBadGateway,
				JSON: spec.Unknown("failed to list bridged networks: " + err.Error()),
			}
		}
		for i := range instances {
			if instances[i].InstanceID == sr.ThirdPartyInstanceID {
				override.ProtocolInstance = &instances[i]
				break
			}
		}
		if override.ProtocolInstance == nil {
			return util.JSONResponse{
				Code: http.StatusNotFound,
				JSON: spec.NotFound("unknown third_party_instance_id " + sr.ThirdPartyInstanceID),
			}
		}
	}
	a.Picker.Select(override)
	return accepted()
}

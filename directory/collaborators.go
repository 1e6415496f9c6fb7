package directory

// Cancelable is a handle to an in-flight request. Cancel asks the request to stop. It does
// not promise that the request's completion will not be called.
type Cancelable interface {
	Cancel()
}

// ThirdPartyInstance is a network bridged by an application service, as advertised by
// GET /thirdparty/protocols.
type ThirdPartyInstance struct {
	Protocol   string
	InstanceID string
	NetworkID  string
	Desc       string
	Icon       string
}

// ListingSource is a paginated, filterable provider of directory rooms. The controller is the
// only writer of the cursor state. Setting the search pattern or any server selection field
// resets the cursor to the first page.
type ListingSource interface {
	// Paginate fetches the next page. Exactly one of onSuccess or onFailure is called, from any
	// goroutine, possibly before Paginate returns. onFailure may be called with a nil error.
	Paginate(onSuccess func(itemsAdded int), onFailure func(err error)) Cancelable
	HasReachedEnd() bool
	SearchPattern() string
	SetSearchPattern(pattern string)
	IncludeAllNetworks() bool
	SetIncludeAllNetworks(include bool)
	Homeserver() string
	SetHomeserver(server string)
	ProtocolInstance() *ThirdPartyInstance
	SetProtocolInstance(instance *ThirdPartyInstance)
	// ItemAt returns the room at path in the source's own coordinates, or nil.
	ItemAt(path IndexPath) *Room
	// Rooms returns a copy of every room fetched so far.
	Rooms() []Room
}

type IdentifierResolver interface {
	IsRoomAlias(s string) bool
	IsRoomIdentifier(s string) bool
	// ResolveKnownItem returns the room the session already knows by this ID or alias, or nil.
	ResolveKnownItem(roomIDOrAlias string) *KnownRoom
	StripNewlines(s string) string
}

type Joiner interface {
	// Join joins the room by ID or alias. completion is called once, from any goroutine,
	// possibly before Join returns.
	Join(roomIDOrAlias string, completion func(err error))
}

package directory

const (
	MembershipJoin   = "join"
	MembershipInvite = "invite"
	MembershipLeave  = "leave"
	MembershipBan    = "ban"
	MembershipKnock  = "knock"
)

// MediaContext resolves mxc:// URIs into something a view can load. It is carried through
// entries untouched.
type MediaContext interface {
	ThumbnailURL(mxcURI string, width, height int) string
}

// Entry describes one renderable row. Entries are values and are never mutated once built.
type Entry struct {
	Title      string
	UserCount  int
	Subtitle   *string
	Joined     bool
	Identifier string // room ID or alias
	AvatarURL  *string
	Media      MediaContext
}

// Room is one chunk item returned by the remote room directory.
type Room struct {
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

// Identifier is what gets selected or joined for this room.
func (r Room) Identifier() string {
	return r.RoomID
}

// Entry converts a directory room into a row. The title falls back to the canonical alias and
// then the room ID for rooms without a name.
func (r Room) Entry(media MediaContext) Entry {
	e := Entry{
		Title:      r.Name,
		UserCount:  r.NumJoinedMembers,
		Identifier: r.Identifier(),
		Media:      media,
	}
	if e.Title == "" {
		e.Title = r.CanonicalAlias
	}
	if e.Title == "" {
		e.Title = r.RoomID
	}
	if r.Topic != "" {
		topic := r.Topic
		e.Subtitle = &topic
	}
	if r.AvatarURL != "" {
		avatar := r.AvatarURL
		e.AvatarURL = &avatar
	}
	return e
}

type Member struct {
	UserID     string
	Membership string
}

// KnownRoom is a room the user's session already has state for, as returned by an
// IdentifierResolver.
type KnownRoom struct {
	RoomID      string
	DisplayName string
	Topic       string
	AvatarURL   string
	// the user's own membership
	Membership string
	Members    []Member
	Media      MediaContext
}

// MemberCount returns how many members are in the given membership state.
func (k *KnownRoom) MemberCount(membership string) int {
	count := 0
	for _, m := range k.Members {
		if m.Membership == membership {
			count++
		}
	}
	return count
}

// IndexPath addresses a row. Which coordinate system Section refers to depends on the
// consumer: the controller's visual sections, or the listing source's own sections.
type IndexPath struct {
	Section int
	Row     int
}

package resolver

import (
	"os"
	"strings"
	"sync"

	"github.com/matrix-org/gomatrixserverlib"
	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/matrix-org/room-directory/directory"
	"github.com/matrix-org/room-directory/internal"
	"github.com/rs/zerolog"
	"golang.org/x/exp/slices"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

// the number of heroes used when a room has no name
const maxNumNamesPerRoom = 5

// Room is what the session knows about a room it has been in, or been invited to.
type Room struct {
	RoomID         string
	Name           string
	CanonicalAlias string
	AltAliases     []string
	Topic          string
	AvatarURL      string
	// the user's own membership
	Membership string
	Members    []directory.Member
	// used to name the room if it has neither a name nor an alias
	Heroes []internal.Hero

	// set for rooms only known because the user just joined them
	joinedAs string
}

func (r *Room) summary() internal.RoomSummary {
	s := internal.RoomSummary{
		Name:           r.Name,
		CanonicalAlias: r.CanonicalAlias,
		Heroes:         r.Heroes,
	}
	for _, m := range r.Members {
		switch m.Membership {
		case directory.MembershipJoin:
			s.JoinCount++
		case directory.MembershipInvite:
			s.InviteCount++
		}
	}
	return s
}

// Resolver is a directory.IdentifierResolver backed by the rooms the session knows about.
// Rooms can be looked up by ID, canonical alias or any alt alias.
type Resolver struct {
	userID string
	media  directory.MediaContext

	mu      sync.RWMutex
	rooms   map[string]*Room
	aliases map[string]string // alias -> room ID
}

// NewResolver makes an empty resolver for the user with this ID. media is attached to every
// resolved room and may be nil.
func NewResolver(userID string, media directory.MediaContext) *Resolver {
	return &Resolver{
		userID:  userID,
		media:   media,
		rooms:   make(map[string]*Room),
		aliases: make(map[string]string),
	}
}

// IsRoomAlias returns true if s looks like #localpart:server.
func (r *Resolver) IsRoomAlias(s string) bool {
	return isMatrixID('#', s)
}

// IsRoomIdentifier returns true if s looks like !opaque:server.
func (r *Resolver) IsRoomIdentifier(s string) bool {
	return isMatrixID('!', s)
}

// isMatrixID is stricter than SplitID, which accepts half-typed input like "#general:".
func isMatrixID(sigil byte, s string) bool {
	localpart, domain, err := gomatrixserverlib.SplitID(sigil, s)
	if err != nil || localpart == "" || strings.ContainsAny(localpart, " \t\r\n") {
		return false
	}
	_, _, valid := spec.ParseAndValidateServerName(domain)
	return valid
}

func (r *Resolver) StripNewlines(s string) string {
	return strings.NewReplacer("\r\n", " ", "\n", " ", "\r", " ").Replace(s)
}

// Upsert adds or replaces a known room.
func (r *Resolver) Upsert(room Room) {
	if room.RoomID == "" {
		logger.Warn().Msg("Resolver.Upsert: ignoring room without a room ID")
		return
	}
	room.AltAliases = slices.Clone(room.AltAliases)
	room.Members = slices.Clone(room.Members)
	room.Heroes = slices.Clone(room.Heroes)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(room.RoomID)
	r.rooms[room.RoomID] = &room
	if room.CanonicalAlias != "" {
		r.aliases[room.CanonicalAlias] = room.RoomID
	}
	for _, alias := range room.AltAliases {
		r.aliases[alias] = room.RoomID
	}
}

// Joined records that the user joined roomID by way of roomIDOrAlias. A room the session did not
// know yet is added with just that much state, and is named by roomIDOrAlias until Upsert
// replaces it. It has the signature of client.Joiner.OnJoined.
func (r *Resolver) Joined(roomID, roomIDOrAlias string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	room := r.rooms[roomID]
	if room == nil {
		room = &Room{
			RoomID:   roomID,
			joinedAs: roomIDOrAlias,
		}
		r.rooms[roomID] = room
	}
	room.Membership = directory.MembershipJoin
	if r.userID != "" {
		r.setMembershipLocked(room, r.userID, directory.MembershipJoin)
	}
	if roomIDOrAlias != roomID && r.IsRoomAlias(roomIDOrAlias) {
		r.aliases[roomIDOrAlias] = roomID
		if room.CanonicalAlias == "" {
			room.CanonicalAlias = roomIDOrAlias
		}
	}
}

func (r *Resolver) setMembershipLocked(room *Room, userID, membership string) {
	for i := range room.Members {
		if room.Members[i].UserID == userID {
			room.Members[i].Membership = membership
			return
		}
	}
	room.Members = append(room.Members, directory.Member{UserID: userID, Membership: membership})
}

// Remove forgets a room, along with its aliases.
func (r *Resolver) Remove(roomID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(roomID)
}

func (r *Resolver) removeLocked(roomID string) {
	old := r.rooms[roomID]
	if old == nil {
		return
	}
	delete(r.rooms, roomID)
	for alias, id := range r.aliases {
		if id == roomID {
			delete(r.aliases, alias)
		}
	}
}

// ResolveKnownItem returns the known room with this ID or alias, or nil.
func (r *Resolver) ResolveKnownItem(roomIDOrAlias string) *directory.KnownRoom {
	r.mu.RLock()
	defer r.mu.RUnlock()
	roomID := roomIDOrAlias
	if r.IsRoomAlias(roomIDOrAlias) {
		roomID = r.aliases[roomIDOrAlias]
	}
	room := r.rooms[roomID]
	if room == nil {
		return nil
	}
	name := internal.CalculateRoomName(room.summary(), maxNumNamesPerRoom)
	if room.joinedAs != "" && room.Name == "" && room.CanonicalAlias == "" && len(room.Heroes) == 0 {
		// nothing to compute a name from yet
		name = room.joinedAs
	}
	return &directory.KnownRoom{
		RoomID:      room.RoomID,
		DisplayName: name,
		Topic:       room.Topic,
		AvatarURL:   room.AvatarURL,
		Membership:  room.Membership,
		Members:     slices.Clone(room.Members),
		Media:       r.media,
	}
}

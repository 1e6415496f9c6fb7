package internal

import (
	"fmt"
	"strings"
)

// RoomSummary is the subset of room state needed to name a room.
type RoomSummary struct {
	Name           string
	CanonicalAlias string
	Heroes         []Hero
	JoinCount      int
	InviteCount    int
}

type Hero struct {
	ID   string
	Name string
}

// CalculateRoomName implements the client-server API room naming algorithm: the m.room.name,
// then the canonical alias, then a name composed from the heroes.
func CalculateRoomName(summary RoomSummary, maxNumNamesPerRoom int) string {
	if summary.Name != "" {
		return summary.Name
	}
	if summary.CanonicalAlias != "" {
		return summary.CanonicalAlias
	}
	names := disambiguate(summary.Heroes)
	numOthers := summary.JoinCount + summary.InviteCount - 1
	isAlone := numOthers <= 0

	if len(names) == 0 && isAlone {
		return "Empty Room"
	}

	var composed string
	if len(names) >= numOthers {
		// every other member is a hero
		if len(names) == 1 {
			composed = names[0]
		} else {
			composed = strings.Join(names[:len(names)-1], ", ") + " and " + names[len(names)-1]
		}
	} else {
		shown := len(names)
		if shown > maxNumNamesPerRoom {
			shown = maxNumNamesPerRoom
		}
		composed = fmt.Sprintf("%s and %d others", strings.Join(names[:shown], ", "), numOthers-shown)
	}
	if isAlone {
		return fmt.Sprintf("Empty Room (was %s)", composed)
	}
	return composed
}

// disambiguate appends the user ID to any display name shared by more than one hero.
func disambiguate(heroes []Hero) []string {
	nameToIndexes := make(map[string][]int)
	for i, h := range heroes {
		nameToIndexes[h.Name] = append(nameToIndexes[h.Name], i)
	}
	names := make([]string, len(heroes))
	for _, indexes := range nameToIndexes {
		for _, i := range indexes {
			h := heroes[i]
			if len(indexes) == 1 {
				names[i] = h.Name
			} else {
				names[i] = fmt.Sprintf("%s (%s)", h.Name, h.ID)
			}
		}
	}
	return names
}

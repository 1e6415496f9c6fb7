package directory

// Section is one group of rows in the render model. It is one of:
//   - SearchInputSection
//   - ListingSection
type Section interface {
	isSection()
}

// SearchInputSection holds the single synthetic row shown when the search pattern is a room
// ID or alias.
type SearchInputSection struct {
	Entry Entry
}

// ListingSection holds the paginated, filtered remote listing.
type ListingSection struct {
	State ListingState
}

func (SearchInputSection) isSection() {}
func (ListingSection) isSection()     {}

// ListingState is a snapshot of the listing source taken when the sections were last rebuilt.
type ListingState struct {
	Rooms         []Room
	HasReachedEnd bool
	SearchPattern string
}

// NumRows returns how many rows the section renders.
func NumRows(s Section) int {
	switch sec := s.(type) {
	case SearchInputSection:
		return 1
	case ListingSection:
		return len(sec.State.Rooms)
	}
	return 0
}

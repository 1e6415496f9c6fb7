package directory

// Action is an input from the view layer. It is one of:
//   - LoadData
//   - LoadMore
//   - SelectRow
//   - JoinRow
//   - Search
//   - CreateNewRoom
//   - SwitchServer
//   - Cancel
type Action interface {
	isAction()
}

// LoadData resets the sections to the listing alone and fetches the next page if there is one.
type LoadData struct{}

// LoadMore fetches the next page without touching the sections, e.g. when the view scrolls to
// the bottom of the listing.
type LoadMore struct{}

type SelectRow struct {
	Path IndexPath
}

type JoinRow struct {
	Path IndexPath
}

// Search filters the listing. An empty pattern clears the filter.
type Search struct {
	Pattern string
}

type CreateNewRoom struct{}

type SwitchServer struct{}

type Cancel struct{}

func (LoadData) isAction()      {}
func (LoadMore) isAction()      {}
func (SelectRow) isAction()     {}
func (JoinRow) isAction()       {}
func (Search) isAction()        {}
func (CreateNewRoom) isAction() {}
func (SwitchServer) isAction()  {}
func (Cancel) isAction()        {}

package directory

// The channel which has view states and events for a controller's subscriber.
const ChanDirectory = "directory"

// View states. Each one replaces the previous state of the view.

type ViewLoading struct{}

func (v ViewLoading) Type() string { return "loading" }

// ViewLoaded carries the sections as they were when the state was emitted. The slice is not
// shared with the controller.
type ViewLoaded struct {
	Sections []Section
}

func (v ViewLoaded) Type() string { return "loaded" }

// ViewLoadedWithoutUpdate means a page was fetched but nothing was added, so the view can skip
// a layout pass.
type ViewLoadedWithoutUpdate struct{}

func (v ViewLoadedWithoutUpdate) Type() string { return "loaded_no_update" }

type ViewError struct {
	Err error
}

func (v ViewError) Type() string { return "error" }

// Events. These ask the surrounding app to do something and do not change the view state.

type EventRoomSelected struct {
	RoomIDOrAlias string
}

func (e EventRoomSelected) Type() string { return "room_selected" }

type EventCreateRoomRequested struct{}

func (e EventCreateRoomRequested) Type() string { return "create_room" }

type EventShowServerPicker struct {
	Picker *ServerPicker
}

func (e EventShowServerPicker) Type() string { return "server_picker" }

type EventCanceled struct{}

func (e EventCanceled) Type() string { return "canceled" }

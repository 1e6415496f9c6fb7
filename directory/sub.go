package directory

import (
	"github.com/matrix-org/room-directory/internal"
	"github.com/matrix-org/room-directory/pubsub"
)

// Listener receives a controller's view states and events.
type Listener interface {
	OnLoading()
	OnLoaded(sections []Section)
	OnLoadedWithoutUpdate()
	OnError(err error)
	OnRoomSelected(roomIDOrAlias string)
	OnCreateRoomRequested()
	OnShowServerPicker(picker *ServerPicker)
	OnCanceled()
}

// Sub is a subscription to a controller's ChanDirectory. Its lifetime must not exceed the
// controller's: tearing down the controller closes the channel and ends Listen.
type Sub struct {
	listener pubsub.Listener
	receiver Listener
}

func NewSub(l pubsub.Listener, recv Listener) *Sub {
	return &Sub{
		listener: l,
		receiver: recv,
	}
}

func (s *Sub) Teardown() {
	s.listener.Close()
}

func (s *Sub) onMessage(p pubsub.Payload) {
	switch pl := p.(type) {
	case ViewLoading:
		s.receiver.OnLoading()
	case ViewLoaded:
		s.receiver.OnLoaded(pl.Sections)
	case ViewLoadedWithoutUpdate:
		s.receiver.OnLoadedWithoutUpdate()
	case ViewError:
		s.receiver.OnError(pl.Err)
	case EventRoomSelected:
		s.receiver.OnRoomSelected(pl.RoomIDOrAlias)
	case EventCreateRoomRequested:
		s.receiver.OnCreateRoomRequested()
	case EventShowServerPicker:
		s.receiver.OnShowServerPicker(pl.Picker)
	case EventCanceled:
		s.receiver.OnCanceled()
	default:
		internal.Assert("Sub: unknown payload type "+p.Type(), false)
	}
}

// Listen blocks, dispatching payloads to the Listener until the channel is closed.
func (s *Sub) Listen() error {
	return s.listener.Listen(ChanDirectory, s.onMessage)
}

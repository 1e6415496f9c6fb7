package client

import (
	"context"
	"fmt"
	"time"

	"github.com/matrix-org/room-directory/internal"
)

// Joiner joins rooms on behalf of a directory controller. Joins run on the worker pool and the
// completion is called from a worker goroutine.
type Joiner struct {
	Client      Client
	AccessToken string
	Pool        *internal.WorkerPool
	Timeout     time.Duration
	// OnJoined, if set, is called with the joined room ID before the completion so that the
	// session can learn about the room.
	OnJoined func(roomID, roomIDOrAlias string)
}

func (j *Joiner) Join(roomIDOrAlias string, completion func(err error)) {
	j.Pool.Queue(func() {
		ctx, task := internal.StartTask(context.Background(), "Join", internal.AttrRoom(roomIDOrAlias))
		defer task.End()
		if j.Timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, j.Timeout)
			defer cancel()
		}
		internal.Logf(ctx, "join", "joining %s", roomIDOrAlias)
		roomID, err := j.Client.JoinRoom(ctx, j.AccessToken, roomIDOrAlias, nil)
		if err != nil {
			task.Fail(err)
			internal.ReportError(ctx, "join", err)
			completion(fmt.Errorf("Join %s: %w", roomIDOrAlias, err))
			return
		}
		if j.OnJoined != nil {
			j.OnJoined(roomID, roomIDOrAlias)
		}
		completion(nil)
	})
}

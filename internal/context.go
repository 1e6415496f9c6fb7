package internal

import (
	"context"

	"github.com/rs/zerolog"
)

type ctx string

var (
	ctxData ctx = "roomdir_data"
)

// logging metadata for a single directory request
type data struct {
	server     string
	since      string
	searchTerm string
	network    string
	numRooms   int
	nextBatch  string
}

// prepare a request context so it can contain directory info
func RequestContext(ctx context.Context) context.Context {
	d := &data{
		numRooms: -1,
	}
	return context.WithValue(ctx, ctxData, d)
}

// add the request parameters to this request context. Need to have called RequestContext first.
func SetRequestContextParams(ctx context.Context, server, since, searchTerm, network string) {
	d := ctx.Value(ctxData)
	if d == nil {
		return
	}
	da := d.(*data)
	da.server = server
	da.since = since
	da.searchTerm = searchTerm
	da.network = network
}

func SetRequestContextResponseInfo(ctx context.Context, numRooms int, nextBatch string) {
	d := ctx.Value(ctxData)
	if d == nil {
		return
	}
	da := d.(*data)
	da.numRooms = numRooms
	da.nextBatch = nextBatch
	annotateResponse(ctx, numRooms, nextBatch)
}

func DecorateLogger(ctx context.Context, l *zerolog.Event) *zerolog.Event {
	d := ctx.Value(ctxData)
	if d == nil {
		return l
	}
	da := d.(*data)
	if da.server != "" {
		l = l.Str("hs", da.server)
	}
	if da.since != "" {
		l = l.Str("p", da.since)
	}
	if da.nextBatch != "" {
		l = l.Str("q", da.nextBatch)
	}
	if da.searchTerm != "" {
		l = l.Str("s", da.searchTerm)
	}
	if da.network != "" {
		l = l.Str("n", da.network)
	}
	if da.numRooms >= 0 {
		l = l.Int("r", da.numRooms)
	}
	return l
}

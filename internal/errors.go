package internal

import (
	"encoding/json"
	"fmt"
	"os"
	"runtime"

	"github.com/rs/zerolog"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

// HandlerError is returned when the homeserver responds to a client-server API request
// with a non-2xx status. MatrixErrCode is the `errcode` of the response body if it had one.
type HandlerError struct {
	StatusCode    int
	MatrixErrCode string
	Err           error
}

func (e *HandlerError) Error() string {
	if e.MatrixErrCode != "" {
		return fmt.Sprintf("HTTP %d %s : %s", e.StatusCode, e.MatrixErrCode, e.Err.Error())
	}
	return fmt.Sprintf("HTTP %d : %s", e.StatusCode, e.Err.Error())
}

func (e *HandlerError) Unwrap() error {
	return e.Err
}

type jsonError struct {
	Err     string `json:"error"`
	ErrCode string `json:"errcode,omitempty"`
}

func (e HandlerError) JSON() []byte {
	je := jsonError{Err: e.Error(), ErrCode: e.MatrixErrCode}
	b, _ := json.Marshal(je)
	return b
}

// Assert that the expression is true, similar to assert() in C. If expr is false, print or panic.
//
// If expr is false and ROOMDIR_DEBUG=1 then the program panics.
// If expr is false and ROOMDIR_DEBUG is unset or not '1' then the program logs an error along with
// a field which contains the file/line number of the caller/assertion of Assert.
// Assert should be used to verify invariants which should never be broken during normal functioning
// of the program, and shouldn't be used to log a normal error e.g network errors.
//
// The msg provided should be the expectation of the assert e.g:
//
//	Assert("list is not empty", len(list) > 0)
//
// Which then produces:
//
//	assertion failed: list is not empty
func Assert(msg string, expr bool) {
	if expr {
		return
	}
	if os.Getenv("ROOMDIR_DEBUG") == "1" {
		panic(fmt.Sprintf("assert: %s", msg))
	}
	l := logger.Error()
	_, file, line, ok := runtime.Caller(1)
	if ok {
		l = l.Str("assertion", fmt.Sprintf("%s:%d", file, line))
	}
	_, file, line, ok = runtime.Caller(2)
	if ok {
		l = l.Str("caller", fmt.Sprintf("%s:%d", file, line))
	}
	l.Msg("assertion failed: " + msg)
}

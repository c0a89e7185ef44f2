package agent

import (
	"errors"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"cpe-tunnel/internal/message"
)

// Handler errors. None of them ever closes the control channel; they are
// logged at the dispatch boundary with the level returned by errorLevel.
var (
	ErrUnknownType      = errors.New("unknown message type")
	ErrBindExhausted    = errors.New("no free local port to listen on")
	ErrLocalConnect     = errors.New("local service connect failed")
	ErrEngineReject     = errors.New("stream engine rejected packet")
	ErrNoRouteExceeded  = errors.New("peer device unreachable")
	ErrUnexpectedTunnel = errors.New("unexpected tunnel message")
	ErrMissingField     = errors.New("missing field")
)

func errorLevel(err error) zapcore.Level {
	switch {
	case message.IsParseError(err), errors.Is(err, ErrUnknownType), errors.Is(err, ErrMissingField):
		return zap.WarnLevel
	case errors.Is(err, ErrLocalConnect), errors.Is(err, ErrEngineReject):
		return zap.InfoLevel
	default:
		return zap.ErrorLevel
	}
}

package api

import (
	"errors"
	"net/http"

	"github.com/0xAtelerix/sdk/gosdk/rpc"
	"github.com/rs/zerolog"
)

// ErrNilRequestBody is returned when the request body is nil
var ErrNilRequestBody = errors.New("request body is nil")

// LoggingMiddleware logs every JSON-RPC exchange.
type LoggingMiddleware struct {
	log zerolog.Logger
}

func NewLoggingMiddleware(log zerolog.Logger) *LoggingMiddleware {
	return &LoggingMiddleware{
		log: log,
	}
}

func (m *LoggingMiddleware) ProcessRequest(
	_ http.ResponseWriter,
	r *http.Request,
) error {
	m.log.Debug().
		Str("method", r.Method).
		Str("path", r.URL.Path).
		Str("remote", r.RemoteAddr).
		Msg("Processing request")

	if r.Body == nil {
		return ErrNilRequestBody
	}

	return nil
}

func (m *LoggingMiddleware) ProcessResponse(
	_ http.ResponseWriter,
	_ *http.Request,
	response rpc.JSONRPCResponse,
) error {
	if response.Error != nil {
		m.log.Warn().
			Interface("id", response.ID).
			Interface("error", response.Error).
			Msg("Request failed")

		return nil
	}

	m.log.Debug().Interface("id", response.ID).Msg("Request served")

	return nil
}

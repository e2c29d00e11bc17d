package transport

import (
	"context"
	"errors"
	"net/http"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/signalsfoundry/incident-connector/internal/connector"
	"github.com/signalsfoundry/incident-connector/model"
)

// ToStatusError maps connector errors onto gRPC status codes.
func ToStatusError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	return status.Error(statusCode(err), err.Error())
}

func statusCode(err error) codes.Code {
	switch {
	case errors.Is(err, model.ErrMalformedMessage),
		errors.Is(err, model.ErrUnknownMessage),
		errors.Is(err, model.ErrUnsupportedArea):
		return codes.InvalidArgument
	case errors.Is(err, connector.ErrStopped):
		return codes.Unavailable
	case errors.Is(err, context.Canceled):
		return codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	default:
		return codes.Internal
	}
}

// HTTPStatus is the REST counterpart of ToStatusError.
func HTTPStatus(err error) int {
	switch statusCode(err) {
	case codes.InvalidArgument:
		return http.StatusBadRequest
	case codes.Unavailable:
		return http.StatusServiceUnavailable
	case codes.Canceled, codes.DeadlineExceeded:
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

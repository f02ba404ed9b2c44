package server

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/mohammad-safakhou/shelfgate/internal/authgate"
	"github.com/mohammad-safakhou/shelfgate/internal/logging"
	"github.com/mohammad-safakhou/shelfgate/internal/orchestrator"
	"github.com/mohammad-safakhou/shelfgate/internal/upload"
	"github.com/mohammad-safakhou/shelfgate/internal/upstream"
	"github.com/mohammad-safakhou/shelfgate/internal/validate"
)

// failure is the client-facing shape of an error.
type failure struct {
	status  int
	message string
	// signal names the log event for server-side failures.
	signal string

	partial     bool
	entityID    int64
	compensated bool

	authRequired bool
	// passThrough hands the error to the echo error handler untouched.
	passThrough bool
}

func classifyError(err error) failure {
	var (
		partial *orchestrator.PartialFailureError
		ue      *upstream.Error
		ioErr   *upload.IOError
		he      *echo.HTTPError
	)
	switch {
	case errors.As(err, &he):
		return failure{passThrough: true}
	case errors.Is(err, authgate.ErrAuthRequired):
		return failure{status: http.StatusUnauthorized, message: authgate.ErrAuthRequired.Error(), authRequired: true}
	case errors.Is(err, validate.ErrValidation):
		return failure{status: http.StatusBadRequest, message: err.Error()}
	case errors.Is(err, upload.ErrUnsupportedType):
		return failure{status: http.StatusBadRequest, message: "Unsupported file type."}
	case errors.Is(err, upload.ErrTooLarge):
		return failure{status: http.StatusBadRequest, message: "File too large."}
	case errors.As(err, &ioErr):
		return failure{status: http.StatusInternalServerError, message: "Could not store the uploaded file.", signal: "upload_io_error"}
	case errors.Is(err, orchestrator.ErrDuplicateSubmission):
		return failure{status: http.StatusConflict, message: "This submission is already being processed."}
	case errors.As(err, &partial):
		f := failure{
			status:      http.StatusBadGateway,
			partial:     true,
			entityID:    int64(partial.Ref),
			compensated: partial.Compensated,
			signal:      "partial_orchestration_failure",
		}
		if partial.Compensated {
			f.message = "The attachment could not be uploaded, so the record was not saved."
		} else {
			f.message = fmt.Sprintf("Record %d was saved but its attachment could not be uploaded.", partial.Ref)
		}
		return f
	case errors.Is(err, upstream.ErrMissingEntityRef):
		return failure{status: http.StatusBadGateway, message: "The library service did not confirm the new record.", signal: "upstream_missing_ref"}
	case errors.As(err, &ue):
		switch ue.Kind {
		case upstream.KindClientRejected:
			return failure{status: ue.Status, message: ue.Message}
		case upstream.KindServerFault:
			return failure{status: http.StatusInternalServerError, message: "The library service failed to handle the request.", signal: "upstream_server_fault"}
		default:
			return failure{status: http.StatusInternalServerError, message: "The library service is unavailable.", signal: "upstream_unreachable"}
		}
	default:
		return failure{passThrough: true}
	}
}

// classify maps err and logs the server-side failures.
func (s *Server) classify(c echo.Context, err error) failure {
	f := classifyError(err)
	if f.signal != "" {
		req := c.Request()
		logging.FromContext(req.Context(), s.logger).Error(f.signal,
			"method", req.Method, "path", req.URL.Path, "status", f.status, "err", err)
	}
	return f
}

// fail translates err into the response for the route's denial mode.
func (s *Server) fail(c echo.Context, mode authgate.Denial, err error) error {
	return failWith(c, mode, s.classify(c, err), err)
}

func failWith(c echo.Context, mode authgate.Denial, f failure, err error) error {
	switch {
	case f.passThrough:
		return err
	case f.authRequired:
		return authgate.Deny(c, mode)
	case mode == authgate.API && f.partial:
		return c.JSON(f.status, PartialFailureResponse{Error: f.message, EntityID: f.entityID, Compensated: f.compensated})
	case mode == authgate.API:
		return c.JSON(f.status, HTTPError{Error: f.message})
	default:
		return c.Render(f.status, "error", PageData{Title: "error", Status: f.status, Error: f.message})
	}
}

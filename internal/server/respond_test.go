package server

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/mohammad-safakhou/shelfgate/internal/authgate"
	"github.com/mohammad-safakhou/shelfgate/internal/orchestrator"
	"github.com/mohammad-safakhou/shelfgate/internal/upload"
	"github.com/mohammad-safakhou/shelfgate/internal/upstream"
	"github.com/mohammad-safakhou/shelfgate/internal/validate"
)

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		status  int
		message string
		signal  string
	}{
		{
			name:    "field too long",
			err:     &validate.FieldTooLongError{Field: "title", Limit: 50, Length: 60},
			status:  http.StatusBadRequest,
			message: "Title field too long, should not exceed 50 characters.",
		},
		{
			name:    "unsupported type",
			err:     fmt.Errorf("%w: %q", upload.ErrUnsupportedType, "x.exe"),
			status:  http.StatusBadRequest,
			message: "Unsupported file type.",
		},
		{
			name:   "staging io",
			err:    &upload.IOError{Op: "create file", Err: os.ErrPermission},
			status: http.StatusInternalServerError,
			signal: "upload_io_error",
		},
		{
			name:    "duplicate submission",
			err:     orchestrator.ErrDuplicateSubmission,
			status:  http.StatusConflict,
			message: "This submission is already being processed.",
		},
		{
			name: "create rejected",
			err: &orchestrator.WriteError{Outcome: orchestrator.EntityCreateFailed,
				Cause: &upstream.Error{Kind: upstream.KindClientRejected, Status: 404, Message: "Author not found"}},
			status:  http.StatusNotFound,
			message: "Author not found",
		},
		{
			name:   "server fault",
			err:    &upstream.Error{Kind: upstream.KindServerFault, Status: 503, Message: "db locked"},
			status: http.StatusInternalServerError,
			signal: "upstream_server_fault",
		},
		{
			name:   "transport",
			err:    &upstream.Error{Kind: upstream.KindTransport, Err: errors.New("dial tcp: refused")},
			status: http.StatusInternalServerError,
			signal: "upstream_unreachable",
		},
		{
			name:   "missing ref",
			err:    &orchestrator.WriteError{Outcome: orchestrator.EntityCreateFailed, Cause: upstream.ErrMissingEntityRef},
			status: http.StatusBadGateway,
			signal: "upstream_missing_ref",
		},
		{
			name: "partial",
			err: &orchestrator.PartialFailureError{Ref: 7, Compensation: orchestrator.CompensationReport,
				Cause: &upstream.Error{Kind: upstream.KindClientRejected, Status: 400, Message: "Invalid file type"}},
			status:  http.StatusBadGateway,
			message: "Record 7 was saved but its attachment could not be uploaded.",
			signal:  "partial_orchestration_failure",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := classifyError(tt.err)
			if f.passThrough {
				t.Fatalf("unexpected pass-through")
			}
			if f.status != tt.status || f.signal != tt.signal {
				t.Fatalf("got status=%d signal=%q", f.status, f.signal)
			}
			if tt.message != "" && f.message != tt.message {
				t.Fatalf("got message %q", f.message)
			}
		})
	}
}

func TestClassifyPassThroughAndAuth(t *testing.T) {
	if f := classifyError(errors.New("boom")); !f.passThrough {
		t.Fatal("unknown errors go to the echo error handler")
	}
	if f := classifyError(echo.NewHTTPError(http.StatusRequestEntityTooLarge)); !f.passThrough {
		t.Fatal("echo errors keep their own status")
	}
	if f := classifyError(fmt.Errorf("%w: revoked", authgate.ErrAuthRequired)); !f.authRequired {
		t.Fatal("auth errors trigger the denial path")
	}
}

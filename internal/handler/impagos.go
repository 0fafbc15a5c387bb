package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"cloud.google.com/go/civil"
	"github.com/go-chi/chi/v5"

	"github.com/sakif/frontdesk/internal/apperror"
	"github.com/sakif/frontdesk/internal/auth"
	"github.com/sakif/frontdesk/internal/model"
	"github.com/sakif/frontdesk/internal/service"
	"github.com/sakif/frontdesk/internal/snapshot"
	"github.com/sakif/frontdesk/internal/view"
)

// maxUploadBytes caps a snapshot upload (export plus roster).
const maxUploadBytes = 32 << 20

// ImpagosService is what the handler needs from the reconciler.
type ImpagosService interface {
	Sync(ctx context.Context, table snapshot.Table, dir model.Directory) (civil.Date, int, error)
	FetchView(ctx context.Context, name string, ref *civil.Date) (*service.ViewResult, error)
	Pointer(ctx context.Context) (civil.Date, bool, error)
	PendingNotifications(ctx context.Context) (model.Badge, error)
	LogAction(ctx context.Context, in service.LogActionInput) (*model.Action, error)
	DebtorHistory(ctx context.Context, clientID string) (*model.DebtorHistory, error)
	Normalizer() *snapshot.Normalizer
	Location() *time.Location
}

var _ ImpagosService = (*service.Reconciler)(nil)

// ImpagosHandler serves the unpaid-invoice API under /api/impagos.
type ImpagosHandler struct {
	svc    ImpagosService
	logger *slog.Logger
}

func NewImpagosHandler(svc ImpagosService, logger *slog.Logger) *ImpagosHandler {
	return &ImpagosHandler{svc: svc, logger: logger}
}

// SyncResponse reports an imported snapshot.
type SyncResponse struct {
	ExportDate civil.Date `json:"exportDate"`
	Records    int        `json:"records"`
}

// HandleSync imports today's snapshot.
//
// HTTP: POST /api/impagos/sync
// BODY: multipart/form-data with "file" (CSV or XLSX export) and an optional
// "roster" (the client directory, same formats).
func (h *ImpagosHandler) HandleSync(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeError(w, apperror.ValidationFailed("file", "expected a multipart upload with a file field"))
		return
	}
	defer r.MultipartForm.RemoveAll()

	table, err := readUpload(r, "file")
	if err != nil {
		writeError(w, err)
		return
	}
	if table == nil {
		writeError(w, apperror.ValidationFailed("file", "file is required"))
		return
	}

	var dir model.Directory
	roster, err := readUpload(r, "roster")
	if err != nil {
		writeError(w, err)
		return
	}
	if roster != nil {
		dir = h.svc.Normalizer().LoadDirectory(*roster)
	}

	date, n, err := h.svc.Sync(r.Context(), *table, dir)
	if err != nil {
		logError(h.logger, "sync failed", err)
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, SyncResponse{ExportDate: date, Records: n})
}

// readUpload parses the named multipart file. A missing field yields
// (nil, nil).
func readUpload(r *http.Request, field string) (*snapshot.Table, error) {
	f, hdr, err := r.FormFile(field)
	if errors.Is(err, http.ErrMissingFile) {
		return nil, nil
	}
	if err != nil {
		return nil, apperror.ValidationFailed(field, fmt.Sprintf("reading %s: %v", field, err))
	}
	defer f.Close()

	table, err := snapshot.Read(f, hdr.Filename)
	if err != nil {
		return nil, apperror.ValidationFailed(field, err.Error())
	}
	return &table, nil
}

// HandleView returns one of the five views.
//
// HTTP: GET /api/impagos/views/{view}?date=YYYY-MM-DD[&format=xlsx]
//
// Without a date the latest synced snapshot is used. Unknown view names fall
// back to "actuales".
func (h *ImpagosHandler) HandleView(w http.ResponseWriter, r *http.Request) {
	ref, err := parseDateParam(r)
	if err != nil {
		writeError(w, err)
		return
	}

	res, err := h.svc.FetchView(r.Context(), chi.URLParam(r, "view"), ref)
	if err != nil {
		logError(h.logger, "fetching view failed", err, slog.String("view", chi.URLParam(r, "view")))
		writeError(w, err)
		return
	}

	if strings.EqualFold(r.URL.Query().Get("format"), "xlsx") {
		name := string(res.View)
		if res.Reference != nil {
			name += "-" + res.Reference.String()
		}
		w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
		w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s.xlsx"`, name))
		if err := view.WriteXLSX(w, res.View, res.Rows, h.svc.Location()); err != nil {
			h.logger.Error("writing xlsx export", slog.String("error", err.Error()))
		}
		return
	}

	writeJSON(w, http.StatusOK, res)
}

func parseDateParam(r *http.Request) (*civil.Date, error) {
	s := strings.TrimSpace(r.URL.Query().Get("date"))
	if s == "" {
		return nil, nil
	}
	d, err := civil.ParseDate(s)
	if err != nil {
		return nil, apperror.ValidationFailed("date", fmt.Sprintf("date %q is not YYYY-MM-DD", s))
	}
	return &d, nil
}

// HandleBadge reports the pending-notification counts for the latest
// snapshot.
//
// HTTP: GET /api/impagos/badge
func (h *ImpagosHandler) HandleBadge(w http.ResponseWriter, r *http.Request) {
	badge, err := h.svc.PendingNotifications(r.Context())
	if err != nil {
		logError(h.logger, "computing badge failed", err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, badge)
}

// PointerResponse carries the date of the latest sync, null before the first.
type PointerResponse struct {
	Pointer *civil.Date `json:"pointer"`
}

// HandlePointer returns the latest synced export date.
//
// HTTP: GET /api/impagos/pointer
func (h *ImpagosHandler) HandlePointer(w http.ResponseWriter, r *http.Request) {
	d, ok, err := h.svc.Pointer(r.Context())
	if err != nil {
		logError(h.logger, "reading pointer failed", err)
		writeError(w, err)
		return
	}
	var resp PointerResponse
	if ok {
		resp.Pointer = &d
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandleDebtor returns a debtor with its events and actions.
//
// HTTP: GET /api/impagos/debtors/{clientID}
func (h *ImpagosHandler) HandleDebtor(w http.ResponseWriter, r *http.Request) {
	hist, err := h.svc.DebtorHistory(r.Context(), chi.URLParam(r, "clientID"))
	if err != nil {
		logError(h.logger, "debtor history failed", err, slog.String("clientID", chi.URLParam(r, "clientID")))
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, hist)
}

// LogActionRequest is the body of an action confirmation. The operator comes
// from the authenticated token, never from the body.
type LogActionRequest struct {
	Kind     string `json:"kind"`
	Template string `json:"template"`
	Notes    string `json:"notes"`
}

// HandleLogAction records an outreach step.
//
// HTTP: POST /api/impagos/debtors/{clientID}/actions
// BODY: {"kind": "email", "template": "aviso-1", "notes": ""}
func (h *ImpagosHandler) HandleLogAction(w http.ResponseWriter, r *http.Request) {
	operator, ok := auth.OperatorFromContext(r.Context())
	if !ok {
		writeError(w, apperror.Unauthorized("valid authentication required"))
		return
	}

	var req LogActionRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, apperror.ValidationFailed("body", "invalid JSON body"))
		return
	}

	action, err := h.svc.LogAction(r.Context(), service.LogActionInput{
		ClientID: chi.URLParam(r, "clientID"),
		Kind:     req.Kind,
		Template: req.Template,
		Operator: operator,
		Notes:    req.Notes,
	})
	if err != nil {
		logError(h.logger, "logging action failed", err, slog.String("clientID", chi.URLParam(r, "clientID")))
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, action)
}

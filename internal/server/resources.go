package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/mohammad-safakhou/shelfgate/internal/authgate"
	"github.com/mohammad-safakhou/shelfgate/internal/orchestrator"
	"github.com/mohammad-safakhou/shelfgate/internal/upload"
	"github.com/mohammad-safakhou/shelfgate/internal/upstream"
	"github.com/mohammad-safakhou/shelfgate/internal/validate"
)

const formKey = "shelfgate.form"

// resourceHandler serves create, update and delete for one kind.
type resourceHandler struct {
	s    *Server
	kind orchestrator.Kind
	// listPath is where browsers land after a write.
	listPath string
	// detailPath, when set, is where browsers land after an update.
	detailPath func(id string) string
}

func (s *Server) resource(kind orchestrator.Kind, listPath string, detailPath func(string) string) *resourceHandler {
	return &resourceHandler{s: s, kind: kind, listPath: listPath, detailPath: detailPath}
}

func (h *resourceHandler) mount(g *echo.Group, mode authgate.Denial, createPath, itemPath string) {
	g.POST(createPath, h.create(mode), h.s.validateForm(h.kind, mode))
	g.POST(itemPath, h.update(mode), h.s.validateForm(h.kind, mode))
}

func (h *resourceHandler) mountAPI(g *echo.Group, prefix string) {
	g.POST(prefix, h.create(authgate.API), h.s.validateForm(h.kind, authgate.API))
	g.PUT(prefix+"/:id", h.update(authgate.API), h.s.validateForm(h.kind, authgate.API))
	g.DELETE(prefix+"/:id", h.deleteAPI)
}

func (h *resourceHandler) create(mode authgate.Denial) echo.HandlerFunc {
	return func(c echo.Context) error {
		form := formFrom(c)
		staged, err := h.stage(c)
		if err != nil {
			return h.s.fail(c, mode, err)
		}
		draft := orchestrator.Draft{Kind: h.kind, Fields: form, IdempotencyKey: idempotencyKey(c, form)}
		if staged != nil {
			draft.Attachment = staged
		}
		res, err := h.s.orch.Create(c.Request().Context(), draft)
		if err == nil {
			err = res.Err()
		}
		if err != nil {
			return h.s.fail(c, mode, err)
		}
		if mode == authgate.API {
			status := http.StatusCreated
			if res.Replayed {
				status = http.StatusOK
			}
			return c.JSON(status, IDResponse{ID: int64(res.Ref)})
		}
		return c.Redirect(http.StatusSeeOther, h.listPath)
	}
}

func (h *resourceHandler) update(mode authgate.Denial) echo.HandlerFunc {
	return func(c echo.Context) error {
		id, err := pathID(c)
		if err != nil {
			return h.s.fail(c, mode, err)
		}
		staged, err := h.stage(c)
		if err != nil {
			return h.s.fail(c, mode, err)
		}
		draft := orchestrator.Draft{Kind: h.kind, Fields: formFrom(c)}
		if staged != nil {
			draft.Attachment = staged
		}
		res, err := h.s.orch.Update(c.Request().Context(), id, draft)
		if err == nil {
			err = res.Err()
		}
		if err != nil {
			return h.s.fail(c, mode, err)
		}
		if mode == authgate.API {
			return c.JSON(http.StatusOK, IDResponse{ID: id})
		}
		target := h.listPath
		if h.detailPath != nil {
			target = h.detailPath(strconv.FormatInt(id, 10))
		}
		return c.Redirect(http.StatusSeeOther, target)
	}
}

func (h *resourceHandler) deleteAPI(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return h.s.fail(c, authgate.API, err)
	}
	if err := h.s.orch.Delete(c.Request().Context(), h.kind, id); err != nil {
		return h.s.fail(c, authgate.API, err)
	}
	return c.JSON(http.StatusOK, SuccessResponse{Success: true})
}

// deleteJSON answers the browser's fetch-based delete with {"success": bool}.
func (h *resourceHandler) deleteJSON(c echo.Context) error {
	id, err := pathID(c)
	if err == nil {
		err = h.s.orch.Delete(c.Request().Context(), h.kind, id)
	}
	if err != nil {
		f := h.s.classify(c, err)
		if f.passThrough {
			return err
		}
		return c.JSON(f.status, SuccessResponse{Success: false, Error: f.message})
	}
	return c.JSON(http.StatusOK, SuccessResponse{Success: true})
}

func (h *resourceHandler) getJSON(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return h.s.fail(c, authgate.API, err)
	}
	entity, err := h.s.up.GetEntity(c.Request().Context(), h.kind.Item(id))
	if err != nil {
		return h.s.fail(c, authgate.API, err)
	}
	return c.JSON(http.StatusOK, entity)
}

// stage writes the submitted photo, if any, to the upload directory.
func (h *resourceHandler) stage(c echo.Context) (*upload.StagedUpload, error) {
	if !h.kind.HasPhoto() {
		return nil, nil
	}
	file, err := c.FormFile(orchestrator.FieldPhoto)
	if errors.Is(err, http.ErrMissingFile) || errors.Is(err, http.ErrNotMultipart) {
		return nil, nil
	}
	if err != nil {
		return nil, &validate.FieldError{Field: orchestrator.FieldPhoto, Reason: "could not be read"}
	}
	return h.s.stager.Stage(file)
}

// lending forwards borrow and return actions for one book.
func (s *Server) lending(path string) echo.HandlerFunc {
	return func(c echo.Context) error {
		id, err := pathID(c)
		if err != nil {
			return s.fail(c, authgate.Browser, err)
		}
		subscriber, err := validate.PositiveInt("subscriber_id", c.FormValue("subscriber_id"))
		if err != nil {
			return s.fail(c, authgate.Browser, err)
		}
		payload := map[string]int64{"subscriber_id": subscriber, "book_id": id}
		if err := s.up.Post(c.Request().Context(), path, payload, nil); err != nil {
			return s.fail(c, authgate.Browser, err)
		}
		return c.Redirect(http.StatusSeeOther, fmt.Sprintf("/book-details/%d", id))
	}
}

// validateForm reads the submission and enforces the kind's size limits and
// field rules before anything is staged or sent upstream.
func (s *Server) validateForm(kind orchestrator.Kind, mode authgate.Denial) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			form, err := readForm(c)
			if err != nil {
				return s.fail(c, mode, err)
			}
			if err := kind.Validate(form); err != nil {
				return s.fail(c, mode, err)
			}
			if s.cfg.Server.StripMarkup {
				validate.StripAll(form)
			}
			// required and numeric fields fail here, before a photo is staged
			if err := kind.Check(form); err != nil {
				return s.fail(c, mode, err)
			}
			c.Set(formKey, form)
			return next(c)
		}
	}
}

const maxFormMemory = 32 << 20

func readForm(c echo.Context) (map[string]string, error) {
	req := c.Request()
	ctype := req.Header.Get(echo.HeaderContentType)
	if strings.HasPrefix(ctype, echo.MIMEApplicationJSON) {
		return readJSONForm(req)
	}
	var err error
	if strings.HasPrefix(ctype, echo.MIMEMultipartForm) {
		err = req.ParseMultipartForm(maxFormMemory)
	} else {
		err = req.ParseForm()
	}
	if err != nil {
		return nil, &validate.FieldError{Field: "form", Reason: "could not be parsed"}
	}
	form := make(map[string]string, len(req.PostForm))
	for key, values := range req.PostForm {
		if len(values) > 0 {
			form[key] = values[0]
		}
	}
	return form, nil
}

func readJSONForm(req *http.Request) (map[string]string, error) {
	var body map[string]any
	dec := json.NewDecoder(req.Body)
	dec.UseNumber()
	if err := dec.Decode(&body); err != nil {
		return nil, &validate.FieldError{Field: "body", Reason: "is not a JSON object"}
	}
	form := make(map[string]string, len(body))
	for key, value := range body {
		switch v := value.(type) {
		case nil:
		case string:
			form[key] = v
		case json.Number:
			form[key] = v.String()
		case bool:
			form[key] = strconv.FormatBool(v)
		default:
			return nil, &validate.FieldError{Field: key, Reason: "must be a scalar"}
		}
	}
	return form, nil
}

func formFrom(c echo.Context) map[string]string {
	if form, ok := c.Get(formKey).(map[string]string); ok {
		return form
	}
	return map[string]string{}
}

func idempotencyKey(c echo.Context, form map[string]string) string {
	if key := strings.TrimSpace(form[orchestrator.FieldIdempotencyKey]); key != "" {
		return key
	}
	return strings.TrimSpace(c.Request().Header.Get(upstream.IdempotencyHeader))
}

func pathID(c echo.Context) (int64, error) {
	return validate.PositiveInt("id", c.Param("id"))
}

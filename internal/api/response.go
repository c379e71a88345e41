package api

import (
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strings"

	"github.com/TDXCORE/EmailApp/internal/campaign"
	"github.com/TDXCORE/EmailApp/internal/store"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

// Response is the JSON envelope of every API reply.
type Response struct {
	Status string            `json:"status"`
	Data   any               `json:"data,omitempty"`
	Error  string            `json:"error,omitempty"`
	Fields map[string]string `json:"fields,omitempty"`
}

func ok(w http.ResponseWriter, r *http.Request, data any) {
	render.JSON(w, r, Response{Status: "ok", Data: data})
}

func created(w http.ResponseWriter, r *http.Request, data any) {
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, Response{Status: "ok", Data: data})
}

func fail(w http.ResponseWriter, r *http.Request, code int, msg string) {
	render.Status(r, code)
	render.JSON(w, r, Response{Status: "error", Error: msg})
}

// failErr maps a service error to a status code. Unknown errors are logged
// and reported as 500.
func failErr(w http.ResponseWriter, r *http.Request, log *zap.Logger, err error) {
	var tmpl *campaign.TemplateError
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, campaign.ErrNotFound):
		fail(w, r, http.StatusNotFound, "not found")
	case errors.Is(err, store.ErrConflict):
		fail(w, r, http.StatusConflict, "already exists")
	case errors.Is(err, campaign.ErrSendInProgress):
		fail(w, r, http.StatusConflict, err.Error())
	case errors.As(err, &tmpl):
		render.Status(r, http.StatusUnprocessableEntity)
		render.JSON(w, r, Response{Status: "error", Error: "invalid template", Fields: map[string]string{"content": strings.Join(tmpl.Problems, "; ")}})
	case errors.Is(err, campaign.ErrNoRecipients):
		fail(w, r, http.StatusUnprocessableEntity, err.Error())
	default:
		log.Error("request failed",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Error(err))
		fail(w, r, http.StatusInternalServerError, "internal error")
	}
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required", "required_if", "required_unless":
		return "is required"
	case "email":
		return "must be a valid email"
	case "url":
		return "must be a valid URL"
	case "min":
		return fmt.Sprintf("must be at least %s characters", fe.Param())
	case "max":
		return fmt.Sprintf("must be at most %s characters", fe.Param())
	case "oneof":
		return "must be one of: " + fe.Param()
	}
	return "is invalid (" + fe.Tag() + ")"
}

// decode reads a JSON body into dst and validates it. On failure the
// response is written and false returned.
func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := render.DecodeJSON(r.Body, dst); err != nil {
		fail(w, r, http.StatusBadRequest, "invalid request body")
		return false
	}
	err := validate.Struct(dst)
	if err == nil {
		return true
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		fail(w, r, http.StatusBadRequest, err.Error())
		return false
	}
	fields := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		name := fe.Field()
		if ns := fe.Namespace(); strings.Count(ns, ".") > 1 {
			name = ns[strings.Index(ns, ".")+1:]
		}
		fields[name] = fieldMessage(fe)
	}
	render.Status(r, http.StatusUnprocessableEntity)
	render.JSON(w, r, Response{Status: "error", Error: "validation failed", Fields: fields})
	return false
}

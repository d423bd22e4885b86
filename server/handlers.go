package server

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	zen "github.com/wippyai/zen-runtime"
	"github.com/wippyai/zen-runtime/config"
	"github.com/wippyai/zen-runtime/errors"
)

type evaluateRequest struct {
	Input   json.RawMessage `json:"input"`
	Options map[string]any  `json:"options"`
}

type standaloneRequest struct {
	Expression string          `json:"expression"`
	Template   string          `json:"template"`
	Input      json.RawMessage `json:"input"`
}

type resultBody struct {
	Result any `json:"result"`
}

type errorBody struct {
	Code    string          `json:"code"`
	Error   string          `json:"error"`
	Details json.RawMessage `json:"details,omitempty"`
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) evaluateDecision(w http.ResponseWriter, r *http.Request) {
	key, err := url.PathUnescape(chi.URLParam(r, "key"))
	if err != nil || key == "" {
		s.badRequest(w, r, fmt.Errorf("invalid decision key"))
		return
	}

	var req evaluateRequest
	if !s.decode(w, r, &req) {
		return
	}
	opts := s.defaults
	if len(req.Options) > 0 {
		if opts, err = config.DecodeOptions(s.defaults, req.Options); err != nil {
			s.badRequest(w, r, err)
			return
		}
	}

	var res *zen.EvaluationResult
	err = s.withEngine(func(e *zen.Engine) error {
		var err error
		res, err = e.EvaluateWithOptions(r.Context(), key, input(req.Input), opts)
		return err
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) evaluateExpression(w http.ResponseWriter, r *http.Request) {
	var req standaloneRequest
	if !s.decode(w, r, &req) {
		return
	}
	out, err := s.rt.EvaluateExpression(r.Context(), req.Expression, input(req.Input))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resultBody{Result: out})
}

func (s *Server) evaluateUnary(w http.ResponseWriter, r *http.Request) {
	var req standaloneRequest
	if !s.decode(w, r, &req) {
		return
	}
	ok, err := s.rt.EvaluateUnaryExpression(r.Context(), req.Expression, input(req.Input))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resultBody{Result: ok})
}

func (s *Server) renderTemplate(w http.ResponseWriter, r *http.Request) {
	var req standaloneRequest
	if !s.decode(w, r, &req) {
		return
	}
	out, err := s.rt.RenderTemplate(r.Context(), req.Template, input(req.Input))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resultBody{Result: out})
}

// input treats an absent or null input as no input.
func input(raw json.RawMessage) []byte {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return raw
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	body := http.MaxBytesReader(w, r.Body, s.maxBody)
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if stderrors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorBody{Code: "request_too_large", Error: err.Error()})
			return false
		}
		s.badRequest(w, r, fmt.Errorf("decode request: %w", err))
		return false
	}
	return true
}

func (s *Server) badRequest(w http.ResponseWriter, r *http.Request, err error) {
	s.log.Debug("bad request", zap.String("id", RequestID(r.Context())), zap.Error(err))
	writeJSON(w, http.StatusBadRequest, errorBody{Code: "bad_request", Error: err.Error()})
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	if stderrors.Is(err, errNoEngine) {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Code: "unavailable", Error: err.Error()})
		return
	}

	code := errors.CodeOf(err)
	status := statusOf(code)
	body := errorBody{Code: code.String(), Error: err.Error()}

	var zerr *errors.Error
	if errors.As(err, &zerr) && zerr.Details != "" {
		if json.Valid([]byte(zerr.Details)) {
			body.Details = json.RawMessage(zerr.Details)
		} else {
			body.Details, _ = json.Marshal(zerr.Details)
		}
	}

	log := s.log.Debug
	if status >= http.StatusInternalServerError {
		log = s.log.Warn
	}
	log("request failed",
		zap.String("id", RequestID(r.Context())),
		zap.Stringer("code", code),
		zap.Int("status", status),
		zap.Error(err))
	writeJSON(w, status, body)
}

// statusOf maps a boundary code to an HTTP status.
func statusOf(code errors.Code) int {
	switch code {
	case errors.InvalidArgument, errors.StringNullError, errors.StringUtf8Error,
		errors.JsonDeserializationFailed:
		return http.StatusBadRequest
	case errors.LoaderKeyNotFound:
		return http.StatusNotFound
	case errors.IsolateError, errors.EvaluationError, errors.TemplateEngineError:
		return http.StatusUnprocessableEntity
	case errors.LoaderInternalError:
		return http.StatusBadGateway
	case errors.DisposedError:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

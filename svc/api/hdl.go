package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"math"
	"mime"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/hlog"
	"pastelite/cfg"
	"pastelite/pkg/domain"
	"pastelite/svc/svc"
	"pastelite/svc/util"
)

const (
	// a JSON string escape such as \u0001 spends six bytes on one content byte
	maxEscapeGrowth = 6
	// bodyOverhead covers the keys and optional fields around content.
	bodyOverhead = 4 * 1024
)

type Hdl struct {
	paste *svc.Paste
	cfg   *cfg.Cfg
}

// createReq keeps the raw values so type mismatches map to field-specific
// validation errors instead of a generic decode failure.
type createReq struct {
	Content    json.RawMessage `json:"content"`
	TTLSeconds json.RawMessage `json:"ttl_seconds"`
	MaxViews   json.RawMessage `json:"max_views"`
}

type CreateResp struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

type HealthzResp struct {
	OK bool `json:"ok"`
}

func (h *Hdl) CreatePaste(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())
	contentType := r.Header.Get("Content-Type")
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil || mediaType != "application/json" {
		log.Warn().
			Str("content_type", contentType).
			Str("request_id", requestID).
			Msg("invalid Content-Type header")
		writeErr(w, domain.ErrUnsupportedMedia, requestID)
		return
	}

	// the real size limit applies to the decoded content in Validate
	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.MaxPasteSize*maxEscapeGrowth+bodyOverhead)
	params, err := decodeCreate(r.Body)
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			log.Warn().Int64("limit", tooBig.Limit).Msg("request body exceeds maximum")
			err = domain.ErrPasteTooLarge
		}
		log.Warn().Err(err).Msg("invalid request")
		writeErr(w, err, requestID)
		return
	}

	paste, err := h.paste.Create(r.Context(), params)
	if err != nil {
		if domain.Status(err) >= http.StatusInternalServerError {
			log.Error().Err(err).Msg("failed to create paste")
		} else {
			log.Warn().Err(err).Msg("paste rejected")
		}
		writeErr(w, err, requestID)
		return
	}
	log.Info().
		Str("paste_id", paste.ID).
		Bool("ttl", paste.TTLSeconds != nil).
		Bool("max_views", paste.MaxViews != nil).
		Int("size", len(params.Content)).
		Msg("paste created")
	writeJSON(w, http.StatusOK, CreateResp{ID: paste.ID, URL: h.shareURL(r, paste.ID)})
}

func decodeCreate(body io.Reader) (domain.CreateParams, error) {
	var req createReq
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			return domain.CreateParams{}, err
		}
		return domain.CreateParams{}, domain.ErrInvalidRequest
	}
	if dec.More() {
		return domain.CreateParams{}, domain.ErrInvalidRequest
	}

	var params domain.CreateParams
	if !isAbsent(req.Content) {
		if err := json.Unmarshal(req.Content, &params.Content); err != nil {
			return params, domain.ErrContentRequired
		}
	}
	var ok bool
	if params.TTLSeconds, ok = parseOptInt(req.TTLSeconds); !ok {
		return params, domain.ErrInvalidTTL
	}
	if params.MaxViews, ok = parseOptInt(req.MaxViews); !ok {
		return params, domain.ErrInvalidMaxViews
	}
	return params, nil
}

func isAbsent(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) == 0 || bytes.Equal(raw, []byte("null"))
}

// parseOptInt accepts a JSON number with an integral value. Strings, bools,
// fractions and out-of-range values are rejected; absent or null is nil.
func parseOptInt(raw json.RawMessage) (*int64, bool) {
	if isAbsent(raw) {
		return nil, true
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return nil, false
	}
	n, isNum := v.(json.Number)
	if !isNum {
		return nil, false
	}
	if i, err := n.Int64(); err == nil {
		return &i, true
	}
	f, err := n.Float64()
	if err != nil || f != math.Trunc(f) || f >= math.MaxInt64 || f < math.MinInt64 {
		return nil, false
	}
	i := int64(f)
	return &i, true
}

func (h *Hdl) shareURL(r *http.Request, id string) string {
	base := h.cfg.BaseURL
	if base == "" {
		scheme := "http"
		if r.TLS != nil {
			scheme = "https"
		}
		if h.cfg.TrustProxy {
			if proto := r.Header.Get("X-Forwarded-Proto"); proto == "https" || proto == "http" {
				scheme = proto
			}
		}
		base = scheme + "://" + r.Host
	}
	return strings.TrimRight(base, "/") + "/p/" + id
}

func (h *Hdl) GetPaste(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())
	id := chi.URLParam(r, "id")
	view, err := h.paste.Fetch(r.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrPasteNotFound) {
			log.Debug().Str("paste_id", id).Msg("paste not found")
		} else {
			log.Error().Err(err).Str("paste_id", id).Msg("fetch failed")
		}
		writeErr(w, err, requestID)
		return
	}
	log.Info().
		Str("paste_id", id).
		Str("client_ip", util.RedactIP(r.RemoteAddr)).
		Msg("paste retrieved")
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, view)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeErr answers {"error": msg, "request_id": id}. Server-side failures
// never expose their cause.
func writeErr(w http.ResponseWriter, err error, requestID string) {
	statusCode := domain.Status(err)
	errorMsg := domain.ToResp(err).Error.Msg
	if statusCode >= 500 {
		errorMsg = "internal server error"
		util.Error().
			Err(err).
			Str("request_id", requestID).
			Msg("internal error with detailed info")
	}
	writeJSON(w, statusCode, map[string]string{
		"error":      errorMsg,
		"request_id": requestID,
	})
}

package cacheserver

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
)

type contentRange struct {
	start, end, total int64
}

// parseContentRange accepts "bytes {start}-{end}/{total}" with an inclusive end.
func parseContentRange(s string) (contentRange, error) {
	var cr contentRange
	rest, ok := strings.CutPrefix(s, "bytes ")
	if !ok {
		return cr, fmt.Errorf("parse %q: missing unit", s)
	}
	span, total, ok := strings.Cut(rest, "/")
	if !ok {
		return cr, fmt.Errorf("parse %q: missing total", s)
	}
	s1, s2, ok := strings.Cut(span, "-")
	if !ok {
		return cr, fmt.Errorf("parse %q: missing range", s)
	}

	var err error
	if cr.start, err = strconv.ParseInt(s1, 10, 64); err != nil {
		return cr, fmt.Errorf("parse %q: %w", s, err)
	}
	if cr.end, err = strconv.ParseInt(s2, 10, 64); err != nil {
		return cr, fmt.Errorf("parse %q: %w", s, err)
	}
	if cr.total, err = strconv.ParseInt(total, 10, 64); err != nil {
		return cr, fmt.Errorf("parse %q: %w", s, err)
	}
	if cr.start < 0 || cr.end < cr.start || cr.end >= cr.total {
		return cr, fmt.Errorf("parse %q: invalid range", s)
	}
	return cr, nil
}

func (cr contentRange) length() int64 {
	return cr.end - cr.start + 1
}

func (h *Handler) responseJSON(w http.ResponseWriter, r *http.Request, code int, v ...any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	var data []byte
	if len(v) == 0 || v[0] == nil {
		data, _ = json.Marshal(struct{}{})
	} else if err, ok := v[0].(error); ok {
		h.logger.Errorf("%v %v: %v", r.Method, r.RequestURI, err)
		data, _ = json.Marshal(map[string]any{
			"error": err.Error(),
		})
	} else {
		data, _ = json.Marshal(v[0])
	}
	w.WriteHeader(code)
	_, _ = w.Write(data)
}

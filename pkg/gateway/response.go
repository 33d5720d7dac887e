package gateway

import (
	"net/http"

	"github.com/SergiuNegara/lmml/pkg/models"
)

// StatusCode maps a result to its HTTP status. Only authentication failures
// are forbidden; every other rejection is a bad request.
func StatusCode(res models.Result) int {
	if res.OK() {
		return http.StatusOK
	}
	if res.Err.Kind == models.KindAuth {
		return http.StatusForbidden
	}
	return http.StatusBadRequest
}

// Body renders the JSON response object for res.
func Body(res models.Result) map[string]any {
	if res.OK() {
		return map[string]any{"ok": true, "flag": res.Token}
	}
	out := make(map[string]any, len(res.Err.Fields)+3)
	for k, v := range res.Err.Fields {
		out[k] = v
	}
	if res.Err.Detail != "" {
		out["detail"] = res.Err.Detail
	}
	out["ok"] = false
	out["error"] = res.Err.Code
	return out
}

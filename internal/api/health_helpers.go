package api

import (
	"context"
	"net/http"
)

type componentStatus struct {
	Component string `json:"component"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
}

const (
	healthOK       = "ok"
	healthDegraded = "degraded"
	healthDisabled = "disabled"
)

func pingStatus(component string, err error) componentStatus {
	if err != nil {
		return componentStatus{Component: component, Status: healthDegraded, Error: err.Error()}
	}
	return componentStatus{Component: component, Status: healthOK}
}

// componentHealth pings every wired dependency and derives the overall
// verdict from the worst component. Object storage has no ping; a disabled
// client reports as such rather than as an outage because local setups run
// without it.
func (h *Handler) componentHealth(ctx context.Context) ([]componentStatus, string, int) {
	components := make([]componentStatus, 0, 4)
	if h.Store != nil {
		components = append(components, pingStatus("datastore", h.Store.Ping(ctx)))
	}

	components = append(components, pingStatus("refresh_store", h.refreshManager().Ping(ctx)))

	if h.Objects != nil {
		status := healthOK
		if !h.Objects.Enabled() {
			status = healthDisabled
		}
		components = append(components, componentStatus{Component: "object_storage", Status: status})
	}

	if h.RateLimiter != nil {
		components = append(components, pingStatus("rate_limiter", h.RateLimiter.Ping(ctx)))
	}

	for _, component := range components {
		if component.Status == healthDegraded {
			return components, healthDegraded, http.StatusServiceUnavailable
		}
	}
	return components, healthOK, http.StatusOK
}

package web

import (
	"net/http"
	"strings"

	"gitlab.com/localtalent/cve-tracker/tracker"
)

func alertFilter(r *http.Request) (filter tracker.AlertFilter, err error) {
	filter.Severity, err = tracker.ParseSeverity(r.URL.Query().Get("severity"))
	if err != nil {
		return filter, err
	}
	filter.Search = r.URL.Query().Get("search")
	return filter, nil
}

func (s *Server) handleListAlerts(w http.ResponseWriter, r *http.Request, user tracker.User, tenant tracker.Tenant) {
	page, err := pageRequest(r)
	if err != nil {
		writeError(w, err)
		return
	}
	filter, err := alertFilter(r)
	if err != nil {
		writeError(w, err)
		return
	}

	query := tracker.AlertQuery{PageRequest: page, AlertFilter: filter, Status: tracker.AlertStatusAll}
	switch status := tracker.AlertStatusFilter(strings.ToUpper(r.URL.Query().Get("status"))); status {
	case "":
	case tracker.AlertStatusAll, tracker.AlertStatusActive, tracker.AlertStatusInactive:
		query.Status = status
	default:
		writeError(w, tracker.Validation("invalid_status", "status must be one of ALL, ACTIVE or INACTIVE"))
		return
	}
	switch sort := strings.ToLower(r.URL.Query().Get("sort")); sort {
	case "", "desc":
	case "asc":
		query.SortAsc = true
	default:
		writeError(w, tracker.Validation("invalid_sort", "sort must be asc or desc"))
		return
	}

	alerts, err := s.svc.ListAlerts(r.Context(), tenant.ID, query)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, alerts)
}

func (s *Server) handleCriticalCount(w http.ResponseWriter, r *http.Request, user tracker.User, tenant tracker.Tenant) {
	count, err := s.svc.CriticalActiveCount(r.Context(), tenant.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"count": count})
}

type alertRequest struct {
	CVE    string `json:"cve_id"`
	CPE    string `json:"cpe"`
	Active *bool  `json:"active"`
}

func (req alertRequest) key(tenantID uint) (tracker.AlertKey, error) {
	if req.CVE == "" || req.CPE == "" {
		return tracker.AlertKey{}, tracker.Validation("missing_alert_key", "cve_id and cpe are required")
	}
	return tracker.AlertKey{TenantID: tenantID, VulnerabilityID: req.CVE, PlatformID: req.CPE}, nil
}

func decodeAlertChange(r *http.Request, tenantID uint) (key tracker.AlertKey, active bool, err error) {
	var req alertRequest
	if err := decode(r, &req); err != nil {
		return key, false, err
	}
	if key, err = req.key(tenantID); err != nil {
		return key, false, err
	}
	if req.Active == nil {
		return key, false, tracker.Validation("missing_active", "active is required")
	}
	return key, *req.Active, nil
}

// handleAlertStatus flips the active flag without touching updated_at.
func (s *Server) handleAlertStatus(w http.ResponseWriter, r *http.Request, user tracker.User, tenant tracker.Tenant) {
	key, active, err := decodeAlertChange(r, tenant.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.svc.SetAlertActiveDirect(r.Context(), key, active); err != nil {
		writeError(w, err)
		return
	}
	alert, err := s.svc.GetAlert(r.Context(), key)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, alert)
}

func (s *Server) handleUpdateAlert(w http.ResponseWriter, r *http.Request, user tracker.User, tenant tracker.Tenant) {
	key, active, err := decodeAlertChange(r, tenant.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	alert, err := s.svc.UpdateAlert(r.Context(), key, active)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, alert)
}

func (s *Server) handleDeleteAlert(w http.ResponseWriter, r *http.Request, user tracker.User, tenant tracker.Tenant) {
	req := alertRequest{CVE: r.URL.Query().Get("cve_id"), CPE: r.URL.Query().Get("cpe")}
	key, err := req.key(tenant.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.svc.DeleteAlert(r.Context(), key); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "alert deleted"})
}

type bulkAlertRequest struct {
	Active   *bool  `json:"active"`
	Severity string `json:"severity"`
	Search   string `json:"search"`
}

func (s *Server) handleBulkAlerts(w http.ResponseWriter, r *http.Request, user tracker.User, tenant tracker.Tenant) {
	var req bulkAlertRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Active == nil {
		writeError(w, tracker.Validation("missing_active", "active is required"))
		return
	}
	severity, err := tracker.ParseSeverity(req.Severity)
	if err != nil {
		writeError(w, err)
		return
	}

	updated, err := s.svc.BulkSetActive(r.Context(), tenant.ID, tracker.AlertFilter{Severity: severity, Search: req.Search}, *req.Active)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"updated": updated})
}

package web

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"gitlab.com/localtalent/cve-tracker/jobs"
	"gitlab.com/localtalent/cve-tracker/tracker"
)

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type meResponse struct {
	User          tracker.User               `json:"user"`
	Organizations []tracker.TenantMembership `json:"organizations"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}

	user, err := s.svc.Authenticate(r.Context(), req.Email, req.Password)
	if err != nil {
		writeError(w, err)
		return
	}
	session, err := s.svc.CreateSession(r.Context(), user)
	if err != nil {
		writeError(w, err)
		return
	}
	tenants, err := s.svc.TenantsForUser(r.Context(), user.ID)
	if err != nil {
		writeError(w, err)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    session.Token,
		Path:     "/",
		Expires:  session.ExpiresAt,
		HttpOnly: true,
		Secure:   s.config.Secure,
		SameSite: http.SameSiteLaxMode,
	})
	writeJSON(w, http.StatusOK, meResponse{User: user, Organizations: tenants})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(sessionCookie); err == nil {
		if err := s.svc.DeleteSession(r.Context(), cookie.Value); err != nil {
			writeError(w, err)
			return
		}
	}
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   s.config.Secure,
		SameSite: http.SameSiteLaxMode,
	})
	writeJSON(w, http.StatusOK, map[string]string{"message": "logged out"})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request, user tracker.User) {
	tenants, err := s.svc.TenantsForUser(r.Context(), user.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, meResponse{User: user, Organizations: tenants})
}

func (s *Server) handleOrganizations(w http.ResponseWriter, r *http.Request, user tracker.User) {
	tenants, err := s.svc.TenantsForUser(r.Context(), user.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tenants)
}

type createOrganizationRequest struct {
	Name       string `json:"name"`
	AdminEmail string `json:"admin_email"`
}

func (s *Server) handleCreateOrganization(w http.ResponseWriter, r *http.Request, user tracker.User) {
	var req createOrganizationRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}

	var admin tracker.User
	if req.AdminEmail != "" {
		var err error
		admin, err = s.svc.UserByEmail(r.Context(), req.AdminEmail)
		if err != nil {
			writeError(w, err)
			return
		}
	}

	tenant, err := s.svc.CreateTenant(r.Context(), req.Name)
	if err != nil {
		writeError(w, err)
		return
	}
	if admin.ID != 0 {
		if _, err := s.svc.AddMember(r.Context(), tenant.ID, admin.ID, tracker.RoleAdmin); err != nil {
			writeError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusCreated, tenant)
}

type addMemberRequest struct {
	Email string `json:"email"`
	Role  string `json:"role"`
}

func (s *Server) handleAddMember(w http.ResponseWriter, r *http.Request, user tracker.User, tenant tracker.Tenant) {
	var req addMemberRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Role == "" {
		req.Role = tracker.RoleMember
	}

	member, err := s.svc.UserByEmail(r.Context(), req.Email)
	if err != nil {
		writeError(w, err)
		return
	}
	membership, err := s.svc.AddMember(r.Context(), tenant.ID, member.ID, req.Role)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, membership)
}

func (s *Server) handleListProducts(w http.ResponseWriter, r *http.Request, user tracker.User, tenant tracker.Tenant) {
	page, err := pageRequest(r)
	if err != nil {
		writeError(w, err)
		return
	}
	recent, err := queryBool(r, "recent")
	if err != nil {
		writeError(w, err)
		return
	}

	products, err := s.svc.ListProducts(r.Context(), tenant.ID, tracker.ProductQuery{
		PageRequest: page,
		Recent:      recent,
		Search:      r.URL.Query().Get("search"),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, products)
}

type addProductRequest struct {
	CPE string `json:"cpe"`
}

func (s *Server) handleAddProduct(w http.ResponseWriter, r *http.Request, user tracker.User, tenant tracker.Tenant) {
	var req addProductRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}

	result, err := s.svc.AddProduct(r.Context(), tenant.ID, req.CPE)
	if err != nil {
		writeError(w, err)
		return
	}
	status := http.StatusAccepted
	if result.Status == tracker.ProductExists {
		status = http.StatusOK
	}
	writeJSON(w, status, result)
}

func (s *Server) handleRemoveProduct(w http.ResponseWriter, r *http.Request, user tracker.User, tenant tracker.Tenant) {
	deactivated, err := s.svc.RemoveProduct(r.Context(), tenant.ID, r.PathValue("cpe"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"deactivated_alerts": deactivated})
}

type productSettingsRequest struct {
	CPE    string `json:"cpe"`
	Notify *bool  `json:"notify"`
}

func (s *Server) handleProductSettings(w http.ResponseWriter, r *http.Request, user tracker.User, tenant tracker.Tenant) {
	var req productSettingsRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Notify == nil {
		writeError(w, tracker.Validation("missing_notify", "notify is required"))
		return
	}

	if err := s.svc.SetProductNotify(r.Context(), tenant.ID, req.CPE, *req.Notify); err != nil {
		writeError(w, err)
		return
	}
	product, err := s.svc.GetProduct(r.Context(), tenant.ID, req.CPE)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, product)
}

func (s *Server) handleSearchPlatforms(w http.ResponseWriter, r *http.Request, user tracker.User) {
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		writeError(w, err)
		return
	}
	limit, err := queryInt(r, "limit", tracker.DefaultSearchLimit)
	if err != nil {
		writeError(w, err)
		return
	}

	result, err := s.svc.SearchPlatforms(r.Context(), r.URL.Query().Get("q"), offset, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleVulnerability(w http.ResponseWriter, r *http.Request, user tracker.User) {
	detail, err := s.svc.GetVulnerability(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func (s *Server) handleNotifications(w http.ResponseWriter, r *http.Request, user tracker.User) {
	page, err := pageRequest(r)
	if err != nil {
		writeError(w, err)
		return
	}
	unread, err := queryBool(r, "unread")
	if err != nil {
		writeError(w, err)
		return
	}

	notifications, err := s.svc.ListNotifications(r.Context(), user.ID, tracker.NotificationQuery{
		PageRequest: page,
		UnreadOnly:  unread,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, notifications)
}

func (s *Server) handleNotificationRead(w http.ResponseWriter, r *http.Request, user tracker.User) {
	id, err := strconv.ParseUint(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, tracker.Validation("invalid_id", "notification id must be a number"))
		return
	}

	notification, err := s.svc.MarkNotificationRead(r.Context(), user.ID, uint(id))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, notification)
}

// syncTasks are the tasks a superadmin may start by hand.
var syncTasks = []string{
	jobs.TaskInitialLoad,
	jobs.TaskCVELoad,
	jobs.TaskCPELoad,
	jobs.TaskMatchLoad,
	jobs.TaskCVEUpdate,
	jobs.TaskCPEUpdate,
	jobs.TaskMatchUpdate,
	jobs.TaskVulnrichLoad,
}

type syncRequest struct {
	Task string `json:"task"`
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request, user tracker.User) {
	req := syncRequest{Task: jobs.TaskInitialLoad}
	if r.ContentLength != 0 {
		if err := decode(r, &req); err != nil {
			writeError(w, err)
			return
		}
	}
	if !allowedSyncTask(req.Task) {
		writeError(w, tracker.Validation("invalid_task", "task must be one of "+strings.Join(syncTasks, ", ")))
		return
	}

	synchronizing, err := s.svc.IsSynchronizing(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if synchronizing {
		writeError(w, tracker.Conflict("sync_in_progress", "a synchronization is already running"))
		return
	}

	err = s.jobs.Enqueue(req.Task)
	if errors.Is(err, jobs.ErrQueueFull) {
		writeError(w, tracker.Conflict("queue_full", "too many queued tasks"))
		return
	}
	if err != nil {
		writeError(w, tracker.Internal(err))
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"task": req.Task, "status": "queued"})
}

func allowedSyncTask(task string) bool {
	for _, allowed := range syncTasks {
		if task == allowed {
			return true
		}
	}
	return false
}

func (s *Server) handleSyncStatus(w http.ResponseWriter, r *http.Request, user tracker.User) {
	synchronizing, err := s.svc.IsSynchronizing(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"is_synchronizing": synchronizing})
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request, user tracker.User) {
	summary, err := s.svc.Summary(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleLoadProgress(w http.ResponseWriter, r *http.Request, user tracker.User) {
	progress, err := s.svc.LoadProgress(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, progress)
}

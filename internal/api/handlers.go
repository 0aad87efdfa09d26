// Package api exposes the record services over HTTP.
package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/mesikahq/dpi/internal/access"
	"github.com/mesikahq/dpi/internal/audit"
	"github.com/mesikahq/dpi/internal/auth"
	"github.com/mesikahq/dpi/internal/patient"
	"github.com/mesikahq/dpi/internal/record"
	"github.com/mesikahq/dpi/internal/user"
)

const Version = "1.0.0"

type Services struct {
	Auth     auth.Service
	Users    user.Service
	Records  record.Service
	Patients patient.Service
	Audit    audit.Service
}

type Handler struct {
	authService    auth.Service
	userService    user.Service
	recordService  record.Service
	patientService patient.Service
	auditService   audit.Service
	logger         *zap.Logger
}

func NewHandler(svc Services, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		authService:    svc.Auth,
		userService:    svc.Users,
		recordService:  svc.Records,
		patientService: svc.Patients,
		auditService:   svc.Audit,
		logger:         logger,
	}
}

// caller returns the identity set by the auth middleware.
func caller(c *gin.Context) (access.Identity, error) {
	id, ok := access.IdentityFrom(c.Request.Context())
	if !ok {
		return access.Identity{}, errUnauthenticated
	}
	return id, nil
}

func int64Param(c *gin.Context, name string) (int64, error) {
	v, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || v <= 0 {
		return 0, access.NewValidationError(name, "must be a positive integer")
	}
	return v, nil
}

func (h *Handler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "healthy",
		"version": Version,
	})
}

// Authentication

type LoginRequest struct {
	Email    string `json:"email" binding:"required"`
	Password string `json:"password"`
}

func (h *Handler) Login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, access.NewValidationError("email", "is required"))
		return
	}

	res, err := h.authService.Login(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) Me(c *gin.Context) {
	u, ok := auth.CurrentUser(c)
	if !ok {
		h.respondError(c, errUnauthenticated)
		return
	}
	c.JSON(http.StatusOK, u.View())
}

// Staff

func (h *Handler) RegisterStaff(c *gin.Context) {
	id, err := caller(c)
	if err != nil {
		h.respondError(c, err)
		return
	}
	var req user.StaffRegistration
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, bindError(err, "body"))
		return
	}

	u, err := h.userService.RegisterStaff(c.Request.Context(), id, req)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, u.View())
}

func (h *Handler) ListStaff(c *gin.Context) {
	id, err := caller(c)
	if err != nil {
		h.respondError(c, err)
		return
	}

	users, err := h.userService.ListStaff(c.Request.Context(), id, c.Query("role"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	views := make([]user.View, 0, len(users))
	for _, u := range users {
		views = append(views, u.View())
	}
	c.JSON(http.StatusOK, views)
}

func (h *Handler) DeleteStaff(c *gin.Context) {
	id, err := caller(c)
	if err != nil {
		h.respondError(c, err)
		return
	}
	staffID, err := int64Param(c, "id")
	if err != nil {
		h.respondError(c, err)
		return
	}

	if err := h.userService.DeleteStaff(c.Request.Context(), id, staffID); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Patients

func (h *Handler) LookupNSS(c *gin.Context) {
	id, err := caller(c)
	if err != nil {
		h.respondError(c, err)
		return
	}
	patientID, err := int64Param(c, "id")
	if err != nil {
		h.respondError(c, err)
		return
	}

	nss, err := h.patientService.LookupNSS(c.Request.Context(), id, patientID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": patientID, "nss": nss})
}

type ReassignRequest struct {
	PhysicianID int64 `json:"physician_id"`
}

func (h *Handler) ReassignPhysician(c *gin.Context) {
	id, err := caller(c)
	if err != nil {
		h.respondError(c, err)
		return
	}
	var req ReassignRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, bindError(err, "body"))
		return
	}

	u, err := h.patientService.ReassignPhysician(c.Request.Context(), id, c.Param("nss"), req.PhysicianID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, u.View())
}

func (h *Handler) RecordHistory(c *gin.Context) {
	id, err := caller(c)
	if err != nil {
		h.respondError(c, err)
		return
	}

	events, err := h.patientService.History(c.Request.Context(), id, c.Param("nss"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, events)
}

// Audit

func (h *Handler) GetAuditEvents(c *gin.Context) {
	id, err := caller(c)
	if err != nil {
		h.respondError(c, err)
		return
	}
	if err := access.Authorize(id, access.OpReadAudit, 0); err != nil {
		h.respondError(c, err)
		return
	}

	var v access.Validator
	from, err := strconv.Atoi(c.DefaultQuery("from", "0"))
	v.Check(err == nil && from >= 0, "from", "must be a non-negative integer")
	size, err := strconv.Atoi(c.DefaultQuery("size", "10"))
	v.Check(err == nil && size > 0 && size <= 1000, "size", "must be between 1 and 1000")
	if err := v.Err(); err != nil {
		h.respondError(c, err)
		return
	}

	filters := map[string]interface{}{}
	if userID := c.Query("user_id"); userID != "" {
		filters["user_id"] = userID
	}
	if eventType := c.Query("event_type"); eventType != "" {
		filters["event_type"] = eventType
	}
	if resource := c.Query("resource"); resource != "" {
		filters["resource"] = resource
	}

	events, err := h.auditService.QueryEvents(c.Request.Context(), filters, from, size)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, events)
}

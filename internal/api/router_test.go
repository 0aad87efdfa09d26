package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/mesikahq/dpi/internal/access"
	"github.com/mesikahq/dpi/internal/api"
	"github.com/mesikahq/dpi/internal/attachment"
	"github.com/mesikahq/dpi/internal/audit"
	"github.com/mesikahq/dpi/internal/auth"
	"github.com/mesikahq/dpi/internal/identifier"
	"github.com/mesikahq/dpi/internal/memstore"
	"github.com/mesikahq/dpi/internal/patient"
	"github.com/mesikahq/dpi/internal/record"
	"github.com/mesikahq/dpi/internal/user"
)

const password = "motdepasse"

type server struct {
	t      *testing.T
	engine *gin.Engine
	tokens map[access.Role]string
	ids    map[access.Role]int64
}

func newServer(t *testing.T) *server {
	t.Helper()
	return newServerWith(t, api.RouterConfig{}, zap.NewNop())
}

func newServerWith(t *testing.T, cfg api.RouterConfig, log *zap.Logger) *server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	store := memstore.New()
	auditSvc := audit.NewService(nil, logger, "")
	users := user.NewService(store.Users(), auditSvc, zap.NewNop())
	authSvc := auth.NewService(store.Users(), auditSvc, zap.NewNop(), auth.Config{Secret: "test-secret"})
	encoder := identifier.NewQREncoder()

	handler := api.NewHandler(api.Services{
		Auth:  authSvc,
		Users: users,
		Records: record.NewService(record.Deps{
			Repos:       store.Records(),
			Users:       store.Users(),
			Tx:          store,
			Encoder:     encoder,
			Attachments: attachment.NewMemoryStore(),
			Audit:       auditSvc,
		}),
		Patients: patient.NewService(store.Users(), store.Records().Records, store, encoder, auditSvc, zap.NewNop()),
		Audit:    auditSvc,
	}, zap.NewNop())

	s := &server{
		t:      t,
		engine: api.NewRouter(handler, authSvc, cfg).SetupRouter(log),
		tokens: map[access.Role]string{},
		ids:    map[access.Role]int64{},
	}
	for _, role := range []access.Role{access.RolePhysician, access.RoleNurse, access.RoleRadiologist, access.RoleLabTechnician, access.RoleAdministrative} {
		u, err := users.Bootstrap(context.Background(), user.StaffRegistration{
			LastName:  "Staff",
			FirstName: string(role),
			Email:     string(role) + "@example.dz",
			Password:  password,
			Role:      string(role),
		})
		require.NoError(t, err)
		s.ids[role] = u.ID

		w := s.do(http.MethodPost, "/api/auth/login", "", gin.H{"email": u.Email, "password": password})
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		var res auth.LoginResult
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
		s.tokens[role] = res.Token
	}
	return s
}

func (s *server) do(method, path string, role access.Role, body interface{}) *httptest.ResponseRecorder {
	s.t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(s.t, err)
		r = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	return s.send(req, role)
}

func (s *server) send(req *http.Request, role access.Role) *httptest.ResponseRecorder {
	if token, ok := s.tokens[role]; ok {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	s.engine.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v), w.Body.String())
}

func (s *server) createRecord(nss string) {
	s.t.Helper()
	w := s.do(http.MethodPost, "/api/records", access.RolePhysician, record.Registration{
		NSS:              nss,
		LastName:         "Hamadache",
		FirstName:        "Amine",
		BirthDate:        "1990-04-02",
		Address:          "12 rue Didouche Mourad, Alger",
		Phone:            "0550123456",
		Insurer:          "CNAS",
		EmergencyContact: "0661987654",
		Email:            "amine." + nss + "@example.dz",
	})
	require.Equal(s.t, http.StatusCreated, w.Code, w.Body.String())
}

func TestHealthAndNoRoute(t *testing.T) {
	s := newServer(t)

	w := s.do(http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "healthy")

	w = s.do(http.MethodGet, "/nowhere", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAuthentication(t *testing.T) {
	s := newServer(t)

	w := s.do(http.MethodGet, "/api/records", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.JSONEq(t, `{"error":"missing token"}`, w.Body.String())

	w = s.do(http.MethodPost, "/api/auth/login", "", gin.H{"email": "nurse@example.dz", "password": "mauvais"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = s.do(http.MethodPost, "/api/auth/login", "", gin.H{"email": "nobody@example.dz", "password": password})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = s.do(http.MethodGet, "/api/auth/me", access.RoleNurse, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var me user.View
	decode(t, w, &me)
	assert.Equal(t, access.RoleNurse, me.Role)
	assert.Equal(t, "nurse@example.dz", me.Email)
}

func TestRecordLifecycle(t *testing.T) {
	s := newServer(t)
	s.createRecord("12345627")

	w := s.do(http.MethodPost, "/api/records", access.RolePhysician, gin.H{"nss": "12345627"})
	require.Equal(t, http.StatusBadRequest, w.Code)
	var verr struct {
		Error  string            `json:"error"`
		Fields map[string]string `json:"fields"`
	}
	decode(t, w, &verr)
	assert.Equal(t, "validation failed", verr.Error)
	assert.Contains(t, verr.Fields, "last_name")

	w = s.do(http.MethodGet, "/api/records/12345627", access.RolePhysician, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var view record.RecordView
	decode(t, w, &view)
	assert.Equal(t, "12345627", view.Patient.NSS)

	w = s.do(http.MethodGet, "/api/records", access.RolePhysician, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var views []record.RecordView
	decode(t, w, &views)
	assert.Len(t, views, 1)

	w = s.do(http.MethodGet, "/api/records/12345627/identifier.png", access.RolePhysician, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "image/png", w.Header().Get("Content-Type"))
	assert.NotEmpty(t, w.Body.Bytes())

	w = s.do(http.MethodGet, "/api/records/000", access.RolePhysician, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = s.do(http.MethodDelete, "/api/records/12345627", access.RolePhysician, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.JSONEq(t, `{"error":"not authorized"}`, w.Body.String())

	w = s.do(http.MethodDelete, "/api/records/12345627", access.RoleAdministrative, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	w = s.do(http.MethodGet, "/api/records/12345627", access.RolePhysician, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestClinicalEntries(t *testing.T) {
	s := newServer(t)
	s.createRecord("12345627")
	base := "/api/records/12345627"

	note := record.CareNoteInput{
		Date:                    "2024-03-01",
		MedicationsAdministered: "paracetamol 1g",
		NursingCare:             "pansement",
		Observations:            "RAS",
	}
	w := s.do(http.MethodPost, base+"/care-notes", access.RolePhysician, note)
	assert.Equal(t, http.StatusForbidden, w.Code)
	w = s.do(http.MethodPost, base+"/care-notes", access.RoleNurse, note)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = s.do(http.MethodPost, base+"/lab-panels", access.RolePhysician, record.LabPanelInput{Date: "2024-03-02", Description: "bilan lipidique"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var panel record.LabPanel
	decode(t, w, &panel)

	results := gin.H{"glycemia": 5.5, "cholesterol": 1.8, "blood_pressure": "120/80"}
	path := fmt.Sprintf("/api/lab-panels/%d/results", panel.ID)
	w = s.do(http.MethodPost, path, access.RoleLabTechnician, results)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	decode(t, w, &panel)
	require.NotNil(t, panel.Results)
	assert.Equal(t, 5.5, panel.Results.Glycemia)

	w = s.do(http.MethodPost, path, access.RoleLabTechnician, results)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), `"code":"conflict"`)

	w = s.do(http.MethodPost, "/api/lab-panels/abc/results", access.RoleLabTechnician, results)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(http.MethodPost, base+"/prescriptions", access.RolePhysician, gin.H{
		"date": "2024-03-03",
		"treatments": []gin.H{{
			"medication": gin.H{"name": "Amoxicilline", "dosage": "500mg", "form": "gélule"},
			"quantity":   2,
			"duration":   "7 jours",
		}},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var p record.Prescription
	decode(t, w, &p)

	w = s.do(http.MethodPatch, fmt.Sprintf("/api/prescriptions/%d/status", p.ID), access.RolePhysician, gin.H{"status": "validated"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = s.do(http.MethodPost, base+"/summaries", access.RolePhysician, record.SummaryInput{
		Date: "2024-03-04", Antecedents: "HTA", Observations: "stable", Diagnosis: "HTA équilibrée",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = s.do(http.MethodGet, base+"/full", access.RoleNurse, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = s.do(http.MethodGet, base+"/full", access.RolePhysician, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var full record.FullRecord
	decode(t, w, &full)
	assert.Len(t, full.CareNotes, 1)
	assert.Len(t, full.LabPanels, 1)
	assert.Len(t, full.Prescriptions, 1)
	assert.Len(t, full.Summaries, 1)
	assert.Empty(t, full.ImagingReports)

	w = s.do(http.MethodGet, base+"/care-notes", access.RoleAdministrative, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestImagingUpload(t *testing.T) {
	s := newServer(t)
	s.createRecord("12345627")

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("date", "2024-03-05"))
	require.NoError(t, mw.WriteField("description", "radio thoracique"))
	header := textproto.MIMEHeader{}
	header.Set("Content-Disposition", `form-data; name="image"; filename="thorax.png"`)
	header.Set("Content-Type", "image/png")
	part, err := mw.CreatePart(header)
	require.NoError(t, err)
	_, err = part.Write([]byte("png-bytes"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/records/12345627/imaging-reports", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := s.send(req, access.RoleRadiologist)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var report record.ImagingReport
	decode(t, w, &report)
	require.NotNil(t, report.Attachment)
	assert.Equal(t, "thorax.png", report.Attachment.Filename)

	w = s.do(http.MethodGet, fmt.Sprintf("/api/imaging-reports/%d/image", report.ID), access.RolePhysician, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "png-bytes", w.Body.String())
	assert.Equal(t, "image/png", w.Header().Get("Content-Type"))

	w = s.do(http.MethodPost, "/api/records/12345627/imaging-reports", access.RoleRadiologist,
		record.ImagingInput{Date: "2024-03-06", Description: "échographie"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	decode(t, w, &report)
	assert.Nil(t, report.Attachment)

	w = s.do(http.MethodGet, fmt.Sprintf("/api/imaging-reports/%d/image", report.ID), access.RolePhysician, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func imagingForm(t *testing.T, image []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("date", "2024-03-05"))
	require.NoError(t, mw.WriteField("description", "scanner"))
	header := textproto.MIMEHeader{}
	header.Set("Content-Disposition", `form-data; name="image"; filename="scan.png"`)
	header.Set("Content-Type", "image/png")
	part, err := mw.CreatePart(header)
	require.NoError(t, err)
	_, err = part.Write(image)
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func TestImagingUpload_TooLarge(t *testing.T) {
	s := newServerWith(t, api.RouterConfig{MaxUploadBytes: 1024}, zap.NewNop())
	s.createRecord("12345627")

	body, contentType := imagingForm(t, bytes.Repeat([]byte{0x89}, 4096))
	req := httptest.NewRequest(http.MethodPost, "/api/records/12345627/imaging-reports", body)
	req.Header.Set("Content-Type", contentType)
	w := s.send(req, access.RoleRadiologist)
	require.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())

	var res struct {
		Error  string            `json:"error"`
		Fields map[string]string `json:"fields"`
	}
	decode(t, w, &res)
	assert.Equal(t, "validation failed", res.Error)
	assert.Equal(t, "exceeds 1024 bytes", res.Fields["image"])

	w = s.do(http.MethodGet, "/api/records/12345627/imaging-reports", access.RolePhysician, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `[]`, w.Body.String())

	body, contentType = imagingForm(t, []byte("png-bytes"))
	req = httptest.NewRequest(http.MethodPost, "/api/records/12345627/imaging-reports", body)
	req.Header.Set("Content-Type", contentType)
	w = s.send(req, access.RoleRadiologist)
	assert.Equal(t, http.StatusCreated, w.Code, w.Body.String())
}

func TestMalformedBody(t *testing.T) {
	s := newServer(t)
	s.createRecord("12345627")

	for _, path := range []string{"/api/records", "/api/records/12345627/care-notes", "/api/staff"} {
		req := httptest.NewRequest(http.MethodPost, path, bytes.NewBufferString(`{"date":`))
		req.Header.Set("Content-Type", "application/json")
		role := access.RolePhysician
		if path == "/api/staff" {
			role = access.RoleAdministrative
		} else if path != "/api/records" {
			role = access.RoleNurse
		}
		w := s.send(req, role)
		require.Equal(t, http.StatusBadRequest, w.Code, path)

		var res struct {
			Error  string            `json:"error"`
			Fields map[string]string `json:"fields"`
		}
		decode(t, w, &res)
		assert.Equal(t, "validation failed", res.Error, path)
		assert.Equal(t, "invalid request body", res.Fields["body"], path)
	}
}

func TestPanicIsLogged(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	s := newServerWith(t, api.RouterConfig{}, zap.New(core))
	s.engine.GET("/boom", func(*gin.Context) { panic("boom") })

	w := httptest.NewRecorder()
	s.engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/boom", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)

	assert.Equal(t, 1, logs.FilterMessage("panic recovered").Len())
	failed := logs.FilterMessage("request failed").All()
	require.Len(t, failed, 1)
	assert.EqualValues(t, http.StatusInternalServerError, failed[0].ContextMap()["status"])
	assert.Equal(t, "/boom", failed[0].ContextMap()["path"])
}

func TestPatientsStaffAndAudit(t *testing.T) {
	s := newServer(t)
	s.createRecord("12345627")

	w := s.do(http.MethodGet, "/api/records/12345627", access.RolePhysician, nil)
	var view record.RecordView
	decode(t, w, &view)

	w = s.do(http.MethodGet, fmt.Sprintf("/api/patients/%d/nss", view.Patient.ID), access.RoleNurse, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"nss":"12345627"`)

	w = s.do(http.MethodPut, "/api/records/12345627/attending-physician", access.RoleAdministrative,
		gin.H{"physician_id": s.ids[access.RoleNurse]})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = s.do(http.MethodPut, "/api/records/12345627/attending-physician", access.RoleAdministrative,
		gin.H{"physician_id": s.ids[access.RolePhysician]})
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = s.do(http.MethodPost, "/api/staff", access.RoleAdministrative, user.StaffRegistration{
		LastName: "Kaci", FirstName: "Yacine", Email: "kaci@example.dz", Password: password, Role: "physician",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var created user.View
	decode(t, w, &created)
	assert.Equal(t, user.DefaultSpecialty, created.Specialty)

	w = s.do(http.MethodPost, "/api/staff", access.RoleAdministrative, user.StaffRegistration{
		LastName: "Kaci", FirstName: "Yacine", Email: "kaci@example.dz", Password: password, Role: "physician",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "conflict")

	w = s.do(http.MethodGet, "/api/staff?role=physician", access.RoleAdministrative, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var staff []user.View
	decode(t, w, &staff)
	assert.Len(t, staff, 2)

	w = s.do(http.MethodDelete, fmt.Sprintf("/api/staff/%d", created.ID), access.RoleAdministrative, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	w = s.do(http.MethodGet, "/api/staff", access.RolePhysician, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = s.do(http.MethodGet, "/api/audit/events?user_id=1&size=5", access.RoleAdministrative, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `[]`, w.Body.String())
	w = s.do(http.MethodGet, "/api/audit/events?size=0", access.RoleAdministrative, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = s.do(http.MethodGet, "/api/audit/events", access.RoleNurse, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = s.do(http.MethodGet, "/api/records/12345627/history", access.RoleAdministrative, nil)
	require.Equal(t, http.StatusOK, w.Code)
}

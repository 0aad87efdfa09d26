// Package client is a Go client for the DPI HTTP API.
package client

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/mesikahq/dpi/internal/access"
	"github.com/mesikahq/dpi/internal/audit"
	"github.com/mesikahq/dpi/internal/auth"
	"github.com/mesikahq/dpi/internal/record"
	"github.com/mesikahq/dpi/internal/user"
)

// APIError is a non-2xx response.
type APIError struct {
	Status  int               `json:"-"`
	Message string            `json:"error"`
	Code    string            `json:"code,omitempty"`
	Fields  map[string]string `json:"fields,omitempty"`
}

func (e *APIError) Error() string {
	if len(e.Fields) > 0 {
		return fmt.Sprintf("%d %s: %v", e.Status, e.Message, e.Fields)
	}
	return fmt.Sprintf("%d %s", e.Status, e.Message)
}

// Unwrap lets callers test responses with errors.Is against the access kinds.
func (e *APIError) Unwrap() error {
	switch {
	case e.Status == http.StatusForbidden:
		return access.ErrForbidden
	case e.Status == http.StatusNotFound:
		return access.ErrNotFound
	case e.Code == "conflict":
		return access.ErrConflict
	}
	return nil
}

type Client struct {
	http   *resty.Client
	logger *zap.Logger
}

type Option func(*Client)

func WithToken(token string) Option {
	return func(c *Client) { c.http.SetAuthToken(token) }
}

func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.http.SetTimeout(d) }
}

// WithRetry retries transport failures only; HTTP error statuses are returned as is.
func WithRetry(count int, wait time.Duration) Option {
	return func(c *Client) {
		c.http.SetRetryCount(count).
			SetRetryWaitTime(wait).
			SetRetryMaxWaitTime(4 * wait)
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		http: resty.New().
			SetBaseURL(baseURL).
			SetTimeout(30*time.Second).
			SetHeader("Accept", "application/json"),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) SetToken(token string) {
	c.http.SetAuthToken(token)
}

func (c *Client) request(ctx context.Context) *resty.Request {
	return c.http.R().SetContext(ctx).SetError(&APIError{})
}

func (c *Client) check(resp *resty.Response, err error) error {
	if err != nil {
		return fmt.Errorf("dpi api: %w", err)
	}
	if !resp.IsError() {
		return nil
	}
	apiErr, ok := resp.Error().(*APIError)
	if !ok || apiErr.Message == "" {
		apiErr = &APIError{Message: http.StatusText(resp.StatusCode())}
	}
	apiErr.Status = resp.StatusCode()
	c.logger.Debug("api error",
		zap.String("method", resp.Request.Method),
		zap.String("url", resp.Request.URL),
		zap.Int("status", apiErr.Status),
		zap.String("error", apiErr.Message),
	)
	return apiErr
}

func (c *Client) get(ctx context.Context, path string, out interface{}) error {
	return c.check(c.request(ctx).SetResult(out).Get(path))
}

func (c *Client) send(ctx context.Context, method, path string, body, out interface{}) error {
	req := c.request(ctx).SetBody(body)
	if out != nil {
		req.SetResult(out)
	}
	return c.check(req.Execute(method, path))
}

func recordPath(nss, suffix string) string {
	return "/api/records/" + nss + suffix
}

func (c *Client) Health(ctx context.Context) error {
	return c.check(c.request(ctx).Get("/health"))
}

// Login stores the returned token on the client.
func (c *Client) Login(ctx context.Context, email, password string) (*auth.LoginResult, error) {
	var res auth.LoginResult
	err := c.send(ctx, http.MethodPost, "/api/auth/login", map[string]string{"email": email, "password": password}, &res)
	if err != nil {
		return nil, err
	}
	c.SetToken(res.Token)
	return &res, nil
}

func (c *Client) Me(ctx context.Context) (*user.View, error) {
	var v user.View
	if err := c.get(ctx, "/api/auth/me", &v); err != nil {
		return nil, err
	}
	return &v, nil
}

// Records

func (c *Client) CreateRecord(ctx context.Context, reg record.Registration) (*record.RecordView, error) {
	var v record.RecordView
	if err := c.send(ctx, http.MethodPost, "/api/records", reg, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

func (c *Client) ListRecords(ctx context.Context) ([]record.RecordView, error) {
	var vs []record.RecordView
	if err := c.get(ctx, "/api/records", &vs); err != nil {
		return nil, err
	}
	return vs, nil
}

func (c *Client) GetRecord(ctx context.Context, nss string) (*record.RecordView, error) {
	var v record.RecordView
	if err := c.get(ctx, recordPath(nss, ""), &v); err != nil {
		return nil, err
	}
	return &v, nil
}

func (c *Client) DeleteRecord(ctx context.Context, nss string) error {
	return c.send(ctx, http.MethodDelete, recordPath(nss, ""), nil, nil)
}

func (c *Client) FullRecord(ctx context.Context, nss string) (*record.FullRecord, error) {
	var full record.FullRecord
	if err := c.get(ctx, recordPath(nss, "/full"), &full); err != nil {
		return nil, err
	}
	return &full, nil
}

// IdentifierImage returns the PNG QR code of a record.
func (c *Client) IdentifierImage(ctx context.Context, nss string) ([]byte, error) {
	resp, err := c.request(ctx).SetHeader("Accept", "image/png").Get(recordPath(nss, "/identifier.png"))
	if err := c.check(resp, err); err != nil {
		return nil, err
	}
	return resp.Body(), nil
}

func (c *Client) History(ctx context.Context, nss string) ([]audit.AuditEvent, error) {
	var events []audit.AuditEvent
	if err := c.get(ctx, recordPath(nss, "/history"), &events); err != nil {
		return nil, err
	}
	return events, nil
}

func (c *Client) ReassignPhysician(ctx context.Context, nss string, physicianID int64) (*user.View, error) {
	var v user.View
	err := c.send(ctx, http.MethodPut, recordPath(nss, "/attending-physician"), map[string]int64{"physician_id": physicianID}, &v)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// Entries

func (c *Client) AddCareNote(ctx context.Context, nss string, in record.CareNoteInput) (*record.CareNote, error) {
	var note record.CareNote
	if err := c.send(ctx, http.MethodPost, recordPath(nss, "/care-notes"), in, &note); err != nil {
		return nil, err
	}
	return &note, nil
}

// AddImagingReport posts a report; image may be nil.
func (c *Client) AddImagingReport(ctx context.Context, nss string, in record.ImagingInput, filename, contentType string, image io.Reader) (*record.ImagingReport, error) {
	var report record.ImagingReport
	req := c.request(ctx).SetResult(&report)
	if image != nil {
		req.SetMultipartFormData(map[string]string{"date": in.Date, "description": in.Description}).
			SetMultipartField("image", filename, contentType, image)
	} else {
		req.SetBody(in)
	}
	if err := c.check(req.Post(recordPath(nss, "/imaging-reports"))); err != nil {
		return nil, err
	}
	return &report, nil
}

// ImagingAttachment downloads the image of a report into w.
func (c *Client) ImagingAttachment(ctx context.Context, reportID int64, w io.Writer) (string, error) {
	resp, err := c.request(ctx).SetDoNotParseResponse(true).
		Get("/api/imaging-reports/" + strconv.FormatInt(reportID, 10) + "/image")
	if err != nil {
		return "", c.check(resp, err)
	}
	body := resp.RawBody()
	defer body.Close()
	if resp.IsError() {
		return "", &APIError{Status: resp.StatusCode(), Message: http.StatusText(resp.StatusCode())}
	}
	if _, err := io.Copy(w, body); err != nil {
		return "", fmt.Errorf("download image: %w", err)
	}
	return resp.Header().Get("Content-Type"), nil
}

func (c *Client) OrderLabPanel(ctx context.Context, nss string, in record.LabPanelInput) (*record.LabPanel, error) {
	var panel record.LabPanel
	if err := c.send(ctx, http.MethodPost, recordPath(nss, "/lab-panels"), in, &panel); err != nil {
		return nil, err
	}
	return &panel, nil
}

func (c *Client) FillLabPanel(ctx context.Context, panelID int64, in record.LabResultsInput) (*record.LabPanel, error) {
	var panel record.LabPanel
	path := "/api/lab-panels/" + strconv.FormatInt(panelID, 10) + "/results"
	if err := c.send(ctx, http.MethodPost, path, in, &panel); err != nil {
		return nil, err
	}
	return &panel, nil
}

func (c *Client) CreatePrescription(ctx context.Context, nss string, in record.PrescriptionInput) (*record.Prescription, error) {
	var p record.Prescription
	if err := c.send(ctx, http.MethodPost, recordPath(nss, "/prescriptions"), in, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (c *Client) UpdatePrescriptionStatus(ctx context.Context, id int64, status record.PrescriptionStatus) (*record.Prescription, error) {
	var p record.Prescription
	path := "/api/prescriptions/" + strconv.FormatInt(id, 10) + "/status"
	if err := c.send(ctx, http.MethodPatch, path, map[string]string{"status": string(status)}, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (c *Client) CreateSummary(ctx context.Context, nss string, in record.SummaryInput) (*record.Summary, error) {
	var s record.Summary
	if err := c.send(ctx, http.MethodPost, recordPath(nss, "/summaries"), in, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// Patients, staff and audit

func (c *Client) LookupNSS(ctx context.Context, patientID int64) (string, error) {
	var res struct {
		NSS string `json:"nss"`
	}
	if err := c.get(ctx, "/api/patients/"+strconv.FormatInt(patientID, 10)+"/nss", &res); err != nil {
		return "", err
	}
	return res.NSS, nil
}

func (c *Client) RegisterStaff(ctx context.Context, reg user.StaffRegistration) (*user.View, error) {
	var v user.View
	if err := c.send(ctx, http.MethodPost, "/api/staff", reg, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

func (c *Client) ListStaff(ctx context.Context, role string) ([]user.View, error) {
	var vs []user.View
	req := c.request(ctx).SetResult(&vs)
	if role != "" {
		req.SetQueryParam("role", role)
	}
	if err := c.check(req.Get("/api/staff")); err != nil {
		return nil, err
	}
	return vs, nil
}

func (c *Client) DeleteStaff(ctx context.Context, id int64) error {
	return c.send(ctx, http.MethodDelete, "/api/staff/"+strconv.FormatInt(id, 10), nil, nil)
}

type AuditQuery struct {
	UserID    string
	EventType string
	Resource  string
	From      int
	Size      int
}

func (c *Client) AuditEvents(ctx context.Context, q AuditQuery) ([]audit.AuditEvent, error) {
	params := map[string]string{}
	if q.UserID != "" {
		params["user_id"] = q.UserID
	}
	if q.EventType != "" {
		params["event_type"] = q.EventType
	}
	if q.Resource != "" {
		params["resource"] = q.Resource
	}
	if q.From > 0 {
		params["from"] = strconv.Itoa(q.From)
	}
	if q.Size > 0 {
		params["size"] = strconv.Itoa(q.Size)
	}

	var events []audit.AuditEvent
	if err := c.check(c.request(ctx).SetQueryParams(params).SetResult(&events).Get("/api/audit/events")); err != nil {
		return nil, err
	}
	return events, nil
}

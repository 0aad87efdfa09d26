package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type esRequest struct {
	method string
	path   string
	body   []byte
}

func newFakeES(t *testing.T, status int, response string) (*elasticsearch.Client, *[]esRequest) {
	t.Helper()

	var (
		mu   sync.Mutex
		seen []esRequest
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		seen = append(seen, esRequest{method: r.Method, path: r.URL.Path, body: body})
		mu.Unlock()

		w.Header().Set("X-Elastic-Product", "Elasticsearch")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(response))
	}))
	t.Cleanup(srv.Close)

	es, err := elasticsearch.NewClient(elasticsearch.Config{Addresses: []string{srv.URL}})
	require.NoError(t, err)
	return es, &seen
}

func bufferLogger() (*logrus.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	logger := logrus.New()
	logger.SetOutput(&buf)
	logger.SetFormatter(&logrus.JSONFormatter{})
	return logger, &buf
}

func TestLogEvent_IndexesIntoMonthlyIndex(t *testing.T) {
	es, seen := newFakeES(t, http.StatusCreated, `{"result":"created"}`)
	logger, buf := bufferLogger()
	svc := NewService(es, logger, "dpi")

	ctx := WithRequestInfo(context.Background(), RequestInfo{IPAddress: "10.0.0.7", RequestID: "req-1"})
	event := &AuditEvent{EventType: EventAccess, UserID: 3, Role: "physician", Action: "read_full_record", Resource: "medical_record", ResourceID: "12345627"}

	require.NoError(t, svc.LogEvent(ctx, event))

	require.Len(t, *seen, 1)
	req := (*seen)[0]
	assert.Equal(t, http.MethodPut, req.method)
	assert.True(t, strings.HasPrefix(req.path, "/dpi_audit_"+event.Timestamp.Format("2006.01")+"/_doc/"), req.path)

	var indexed AuditEvent
	require.NoError(t, json.Unmarshal(req.body, &indexed))
	assert.Equal(t, "10.0.0.7", indexed.IPAddress)
	assert.Equal(t, "req-1", indexed.RequestID)
	assert.Equal(t, StatusSuccess, indexed.Status)
	assert.NotEmpty(t, indexed.ID)

	assert.Contains(t, buf.String(), `"action":"read_full_record"`)
}

func TestLogEvent_IndexError(t *testing.T) {
	es, _ := newFakeES(t, http.StatusInternalServerError, `{"error":"boom"}`)
	logger, _ := bufferLogger()
	svc := NewService(es, logger, "dpi")

	err := svc.LogEvent(context.Background(), &AuditEvent{EventType: EventModify, Action: "x", Resource: "y"})
	assert.Error(t, err)
}

func TestLogEvent_WithoutElasticsearch(t *testing.T) {
	logger, buf := bufferLogger()
	svc := NewService(nil, logger, "")

	require.NoError(t, svc.LogEvent(context.Background(), &AuditEvent{EventType: EventLogin, Action: "login", Resource: "session", Status: StatusFailure}))
	assert.Contains(t, buf.String(), `"status":"failure"`)

	events, err := svc.QueryEvents(context.Background(), nil, 0, 10)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestQueryEvents(t *testing.T) {
	es, seen := newFakeES(t, http.StatusOK, `{"hits":{"hits":[
		{"_source":{"id":"a","event_type":"ACCESS","user_id":3,"action":"read_full_record","resource":"medical_record","status":"success"}},
		{"_source":{"id":"b","event_type":"MODIFY","user_id":4,"action":"fill_lab_panel","resource":"lab_panel","status":"success"}}
	]}}`)
	logger, _ := bufferLogger()
	svc := NewService(es, logger, "dpi")

	events, err := svc.QueryEvents(context.Background(), map[string]interface{}{"user_id": 3}, 0, 20)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, EventAccess, events[0].EventType)
	assert.Equal(t, int64(4), events[1].UserID)

	require.Len(t, *seen, 1)
	assert.Equal(t, "/dpi_audit_*/_search", (*seen)[0].path)
	assert.Contains(t, string((*seen)[0].body), `"user_id":3`)
}

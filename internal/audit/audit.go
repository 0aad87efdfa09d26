package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

type EventType string

const (
	EventAccess EventType = "ACCESS"
	EventModify EventType = "MODIFY"
	EventDelete EventType = "DELETE"
	EventLogin  EventType = "LOGIN"
	EventDenied EventType = "DENIED"
)

type AuditEvent struct {
	ID         string          `json:"id"`
	Timestamp  time.Time       `json:"timestamp"`
	EventType  EventType       `json:"event_type"`
	UserID     int64           `json:"user_id,omitempty"`
	Role       string          `json:"role,omitempty"`
	Action     string          `json:"action"`
	Resource   string          `json:"resource"`
	ResourceID string          `json:"resource_id,omitempty"`
	IPAddress  string          `json:"ip_address,omitempty"`
	UserAgent  string          `json:"user_agent,omitempty"`
	RequestID  string          `json:"request_id,omitempty"`
	Status     string          `json:"status"`
	Details    json.RawMessage `json:"details,omitempty"`
}

const (
	StatusSuccess = "success"
	StatusFailure = "failure"
)

type Service interface {
	LogEvent(ctx context.Context, event *AuditEvent) error
	QueryEvents(ctx context.Context, filters map[string]interface{}, from, size int) ([]AuditEvent, error)
}

type service struct {
	es     *elasticsearch.Client
	logger *logrus.Logger
	prefix string
}

// NewService writes every event to logger and, when es is not nil, indexes it
// into a monthly "<prefix>_audit_YYYY.MM" index.
func NewService(es *elasticsearch.Client, logger *logrus.Logger, prefix string) Service {
	if logger == nil {
		logger = logrus.New()
		logger.SetFormatter(&logrus.JSONFormatter{})
		logger.SetLevel(logrus.InfoLevel)
	}
	if prefix == "" {
		prefix = "dpi"
	}
	return &service{es: es, logger: logger, prefix: prefix}
}

func (s *service) LogEvent(ctx context.Context, event *AuditEvent) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Status == "" {
		event.Status = StatusSuccess
	}
	fillFromContext(ctx, event)

	s.logger.WithFields(logrus.Fields{
		"audit_id":    event.ID,
		"event_type":  event.EventType,
		"user_id":     event.UserID,
		"role":        event.Role,
		"action":      event.Action,
		"resource":    event.Resource,
		"resource_id": event.ResourceID,
		"ip_address":  event.IPAddress,
		"request_id":  event.RequestID,
		"status":      event.Status,
	}).Info("audit event")

	if s.es == nil {
		return nil
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}

	index := s.prefix + "_audit_" + event.Timestamp.Format("2006.01")
	res, err := s.es.Index(
		index,
		bytes.NewReader(payload),
		s.es.Index.WithContext(ctx),
		s.es.Index.WithDocumentID(event.ID),
	)
	if err != nil {
		s.logger.WithError(err).Error("failed to index audit event")
		return err
	}
	defer res.Body.Close()
	if res.IsError() {
		err := fmt.Errorf("index audit event: %s", res.Status())
		s.logger.WithError(err).Error("failed to index audit event")
		return err
	}
	return nil
}

func (s *service) QueryEvents(ctx context.Context, filters map[string]interface{}, from, size int) ([]AuditEvent, error) {
	if s.es == nil {
		return []AuditEvent{}, nil
	}

	query := map[string]interface{}{
		"query": map[string]interface{}{
			"bool": map[string]interface{}{
				"must": buildQueryFilters(filters),
			},
		},
		"sort": []map[string]interface{}{
			{"timestamp": map[string]interface{}{"order": "desc"}},
		},
		"from": from,
		"size": size,
	}

	body, err := json.Marshal(query)
	if err != nil {
		return nil, err
	}

	res, err := s.es.Search(
		s.es.Search.WithContext(ctx),
		s.es.Search.WithIndex(s.prefix+"_audit_*"),
		s.es.Search.WithBody(bytes.NewReader(body)),
	)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	if res.IsError() {
		return nil, fmt.Errorf("search audit events: %s", res.Status())
	}

	var result struct {
		Hits struct {
			Hits []struct {
				Source AuditEvent `json:"_source"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := json.NewDecoder(res.Body).Decode(&result); err != nil {
		return nil, err
	}

	events := make([]AuditEvent, len(result.Hits.Hits))
	for i, hit := range result.Hits.Hits {
		events[i] = hit.Source
	}
	return events, nil
}

func buildQueryFilters(filters map[string]interface{}) []map[string]interface{} {
	must := []map[string]interface{}{}
	for field, value := range filters {
		must = append(must, map[string]interface{}{
			"match": map[string]interface{}{field: value},
		})
	}
	return must
}

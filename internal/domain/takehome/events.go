package takehome

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of domain event
type EventType string

const (
	EventOrderCreated    EventType = "OrderCreated"
	EventOrderActivated  EventType = "OrderActivated"
	EventOrderCompleted  EventType = "OrderCompleted"
	EventOrderCancelled  EventType = "OrderCancelled"
	EventKitIssued       EventType = "KitIssued"
	EventKitClosed       EventType = "KitClosed"
	EventScanRecorded    EventType = "ScanRecorded"
	EventDoseConsumed    EventType = "DoseConsumed"
	EventDoseExpired     EventType = "DoseExpired"
	EventReturnReceived  EventType = "ReturnReceived"
	EventAlertRaised     EventType = "AlertRaised"
	EventAlertResolved   EventType = "AlertResolved"
	EventHoldOpened      EventType = "HoldOpened"
	EventHoldCleared     EventType = "HoldCleared"
	EventRiskAssessed    EventType = "RiskAssessed"
	EventReportQueued    EventType = "ReportQueued"
	EventReportSynced    EventType = "ReportSynced"
	EventReportFailed    EventType = "ReportFailed"
	EventReportRequeued  EventType = "ReportRequeued"
	EventReportSubmitted EventType = "ReportSubmitted"
)

// Aggregate types carried on events
const (
	AggregateOrder  = "Order"
	AggregateKit    = "Kit"
	AggregateDose   = "Dose"
	AggregateAlert  = "ComplianceAlert"
	AggregateHold   = "ComplianceHold"
	AggregateRisk   = "RiskAssessment"
	AggregateReport = "DiversionReport"
)

// Event represents a domain event written to the outbox with the state change
type Event struct {
	ID            string          `json:"id"`
	AggregateID   string          `json:"aggregate_id"`
	AggregateType string          `json:"aggregate_type"`
	EventType     EventType       `json:"event_type"`
	PatientID     string          `json:"patient_id,omitempty"`
	EventData     json.RawMessage `json:"event_data"`
	Timestamp     time.Time       `json:"timestamp"`
	CorrelationID string          `json:"correlation_id,omitempty"`
}

// NewEvent creates a new event
func NewEvent(aggregateType, aggregateID string, eventType EventType, patientID string, data interface{}) (*Event, error) {
	eventData, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Event{
		ID:            uuid.New().String(),
		AggregateID:   aggregateID,
		AggregateType: aggregateType,
		EventType:     eventType,
		PatientID:     patientID,
		EventData:     eventData,
		Timestamp:     time.Now().UTC(),
	}, nil
}

// WithCorrelation sets the correlation id
func (e *Event) WithCorrelation(id string) *Event {
	e.CorrelationID = id
	return e
}

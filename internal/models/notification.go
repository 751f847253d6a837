package models

import (
	"strings"
	"time"

	"github.com/stanstork/recovery-controller/internal/apperrors"
)

type EventType string

const (
	EventHostDown     EventType = "host-down"
	EventInstanceDown EventType = "instance-down"
	EventProcessError EventType = "process-error"
)

// RecoverBy selects the recovery strategy. The numeric values are persisted.
type RecoverBy int

const (
	RecoverByNode    RecoverBy = 0
	RecoverByVM      RecoverBy = 1
	RecoverByProcess RecoverBy = 2
)

func (r RecoverBy) String() string {
	switch r {
	case RecoverByNode:
		return "node"
	case RecoverByVM:
		return "vm"
	case RecoverByProcess:
		return "process"
	default:
		return "unknown"
	}
}

// Progress is the persisted lifecycle code shared by notifications and recovery items.
type Progress int

const (
	ProgressNotStarted Progress = 0
	ProgressInProgress Progress = 1
	ProgressSuccess    Progress = 2
	ProgressError      Progress = 3
	// ProgressSkippedNoSpare is stored with the same code as ProgressError.
	ProgressSkippedNoSpare Progress = 3
	ProgressSuperseded     Progress = 4
)

// Terminal reports whether no further progress write is accepted.
func (p Progress) Terminal() bool {
	return p == ProgressSuccess || p == ProgressError || p == ProgressSuperseded
}

func (p Progress) String() string {
	switch p {
	case ProgressNotStarted:
		return "not-started"
	case ProgressInProgress:
		return "in-progress"
	case ProgressSuccess:
		return "success"
	case ProgressError:
		return "error"
	case ProgressSuperseded:
		return "superseded"
	default:
		return "unknown"
	}
}

// NotificationRecord is the inbound failure event as delivered by the monitoring agents.
type NotificationRecord struct {
	ID          string  `json:"id"`
	Type        string  `json:"type"`
	RegionID    string  `json:"regionID"`
	Hostname    string  `json:"hostname"`
	UUID        string  `json:"uuid"`
	Time        string  `json:"time"`
	EventID     string  `json:"eventID"`
	EventType   string  `json:"eventType"`
	Detail      string  `json:"detail"`
	StartTime   string  `json:"startTime"`
	EndTime     *string `json:"endTime"`
	TZName      string  `json:"tzname"`
	Daylight    string  `json:"daylight"`
	ClusterPort string  `json:"cluster_port"`
	RetryCount  int     `json:"retry_count"`
}

// Validate checks the fields every recovery path depends on.
func (r NotificationRecord) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return &apperrors.ValidationError{Field: "id", Reason: "is required"}
	}
	if strings.TrimSpace(r.Hostname) == "" {
		return &apperrors.ValidationError{Field: "hostname", Reason: "is required"}
	}
	if r.RetryCount < 0 {
		return &apperrors.ValidationError{Field: "retry_count", Reason: "must not be negative"}
	}
	if _, _, err := ClassifyEvent(r.Type); err != nil {
		return err
	}
	return nil
}

// ClassifyEvent maps the raw inbound type onto an event type and recovery strategy.
// Both the agent record names and the event names are accepted.
func ClassifyEvent(recordType string) (EventType, RecoverBy, error) {
	switch strings.TrimSpace(recordType) {
	case "rscGroup", string(EventHostDown):
		return EventHostDown, RecoverByNode, nil
	case "VM", string(EventInstanceDown):
		return EventInstanceDown, RecoverByVM, nil
	case "nodeStatus", "procs", string(EventProcessError):
		return EventProcessError, RecoverByProcess, nil
	default:
		return "", 0, &apperrors.ValidationError{Field: "type", Value: recordType, Reason: "unknown notification type"}
	}
}

type Notification struct {
	ID             int64      `json:"id" db:"id"`
	NotificationID string     `json:"notification_id" db:"notification_id"`
	Type           string     `json:"notification_type" db:"notification_type"`
	EventType      EventType  `json:"event_type" db:"event_type"`
	RawEventType   string     `json:"raw_event_type" db:"raw_event_type"`
	EventID        string     `json:"event_id" db:"event_id"`
	RegionID       string     `json:"region_id" db:"region_id"`
	Hostname       string     `json:"hostname" db:"hostname"`
	VMUUID         string     `json:"vm_uuid,omitempty" db:"vm_uuid"`
	Detail         string     `json:"detail" db:"detail"`
	ClusterPort    string     `json:"cluster_port" db:"cluster_port"`
	ReceivedAt     time.Time  `json:"received_at" db:"received_at"`
	EventTime      *time.Time `json:"event_time,omitempty" db:"event_time"`
	StartTime      *time.Time `json:"event_start_time,omitempty" db:"event_start_time"`
	EndTime        *time.Time `json:"event_end_time,omitempty" db:"event_end_time"`
	TZName         string     `json:"tzname" db:"tzname"`
	Daylight       string     `json:"daylight" db:"daylight"`
	RecoverBy      RecoverBy  `json:"recover_by" db:"recover_by"`
	RecoverTo      *string    `json:"recover_to,omitempty" db:"recover_to"`
	Progress       Progress   `json:"progress" db:"progress"`
	ISCSIIP        *string    `json:"iscsi_ip,omitempty" db:"iscsi_ip"`
	ControlIP      string     `json:"control_ip" db:"control_ip"`
	RetryCount     int        `json:"retry_count" db:"retry_count"`
	UpdatedAt      *time.Time `json:"updated_at,omitempty" db:"updated_at"`
	DeletedAt      *time.Time `json:"deleted_at,omitempty" db:"deleted_at"`
	Deleted        bool       `json:"deleted" db:"deleted"`
}

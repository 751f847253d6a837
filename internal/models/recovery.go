package models

import "time"

// VMRecoveryItem tracks the recovery of one instance on behalf of a notification.
type VMRecoveryItem struct {
	ID             int64      `json:"id" db:"id"`
	VMUUID         string     `json:"vm_uuid" db:"vm_uuid"`
	NotificationID string     `json:"notification_id" db:"notification_id"`
	RetryCount     int        `json:"retry_count" db:"retry_count"`
	Progress       Progress   `json:"progress" db:"progress"`
	RecoverTo      *string    `json:"recover_to,omitempty" db:"recover_to"`
	RecoverBy      RecoverBy  `json:"recover_by" db:"recover_by"`
	CreatedAt      time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt      *time.Time `json:"updated_at,omitempty" db:"updated_at"`
	DeletedAt      *time.Time `json:"deleted_at,omitempty" db:"deleted_at"`
	Deleted        bool       `json:"deleted" db:"deleted"`
}

// ReserveNode is a spare host that node recovery can evacuate onto.
type ReserveNode struct {
	ID          int64      `json:"id" db:"id"`
	Hostname    string     `json:"hostname" db:"hostname"`
	ClusterPort string     `json:"cluster_port" db:"cluster_port"`
	InUse       bool       `json:"in_use" db:"in_use"`
	Deleted     bool       `json:"deleted" db:"deleted"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt   *time.Time `json:"updated_at,omitempty" db:"updated_at"`
	DeletedAt   *time.Time `json:"deleted_at,omitempty" db:"deleted_at"`
}

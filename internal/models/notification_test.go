package models

import (
	"errors"
	"testing"

	"github.com/stanstork/recovery-controller/internal/apperrors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyEvent(t *testing.T) {
	tests := []struct {
		in        string
		event     EventType
		recoverBy RecoverBy
	}{
		{"rscGroup", EventHostDown, RecoverByNode},
		{"host-down", EventHostDown, RecoverByNode},
		{"VM", EventInstanceDown, RecoverByVM},
		{"instance-down", EventInstanceDown, RecoverByVM},
		{"nodeStatus", EventProcessError, RecoverByProcess},
		{"process-error", EventProcessError, RecoverByProcess},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			event, recoverBy, err := ClassifyEvent(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.event, event)
			assert.Equal(t, tt.recoverBy, recoverBy)
		})
	}

	_, _, err := ClassifyEvent("disk-full")
	var verr *apperrors.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "type", verr.Field)
}

func TestProgressTerminal(t *testing.T) {
	assert.False(t, ProgressNotStarted.Terminal())
	assert.False(t, ProgressInProgress.Terminal())
	assert.True(t, ProgressSuccess.Terminal())
	assert.True(t, ProgressError.Terminal())
	assert.True(t, ProgressSkippedNoSpare.Terminal())
	assert.True(t, ProgressSuperseded.Terminal())
	assert.Equal(t, ProgressError, ProgressSkippedNoSpare)
}

func TestNotificationRecordValidate(t *testing.T) {
	valid := NotificationRecord{ID: "n-1", Type: "VM", Hostname: "compute-1", UUID: "vm-1"}
	assert.NoError(t, valid.Validate())

	missingHost := valid
	missingHost.Hostname = " "
	assert.Error(t, missingHost.Validate())

	negative := valid
	negative.RetryCount = -1
	assert.Error(t, negative.Validate())

	unknown := valid
	unknown.Type = "storage"
	assert.Error(t, unknown.Validate())
}

package admission

import (
	"context"
	"testing"
	"time"

	"github.com/srivishnuk/pt-instances-management/pkg/apperr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckPassesWithPermissiveThresholds(t *testing.T) {
	c := New(Thresholds{CPUPercent: 100, MemoryPercent: 100})
	c.sampleInterval = time.Millisecond
	err := c.Check(context.Background(), Both)
	assert.NoError(t, err)
}

func TestCheckDeniesAtZeroThreshold(t *testing.T) {
	// Utilization is always >= 0%, so a 0% threshold must always deny.
	c := New(Thresholds{CPUPercent: 0, MemoryPercent: 0})
	c.sampleInterval = time.Millisecond
	err := c.Check(context.Background(), Memory)
	require.Error(t, err)
	var appErr *apperr.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, apperr.InsufficientResources, appErr.Kind)
}

func TestCheckRespectsBitmask(t *testing.T) {
	// Deny on CPU but ask only for Memory: must pass.
	c := New(Thresholds{CPUPercent: 0, MemoryPercent: 100})
	c.sampleInterval = time.Millisecond
	err := c.Check(context.Background(), Memory)
	assert.NoError(t, err)
}

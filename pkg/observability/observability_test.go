package observability

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDisabledProviderIsNoOp(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)

	// All record paths must be safe without initialized instruments.
	p.RecordVerdict(context.Background(), "ADMIT", "SAFE", 10*time.Millisecond)
	p.RecordDispute(context.Background())
	p.RecordDeadlock(context.Background())

	_, span := p.StartSpan(context.Background(), "admission.evaluate")
	span.End()

	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "castellan", cfg.ServiceName)
	assert.Equal(t, 1.0, cfg.SampleRate)
	assert.True(t, cfg.Enabled)
}

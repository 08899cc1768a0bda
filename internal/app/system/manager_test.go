package system

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	core "github.com/R3E-Network/service_layer/internal/app/core/service"
)

type recordingService struct {
	name      string
	desc      *core.Descriptor
	startErr  error
	stopErr   error
	startedAt *[]string
	stoppedAt *[]string
}

func (s recordingService) Name() string { return s.name }

func (s recordingService) Start(ctx context.Context) error {
	if s.startedAt != nil {
		*s.startedAt = append(*s.startedAt, s.name)
	}
	return s.startErr
}

func (s recordingService) Stop(ctx context.Context) error {
	if s.stoppedAt != nil {
		*s.stoppedAt = append(*s.stoppedAt, s.name)
	}
	return s.stopErr
}

func (s recordingService) Descriptor() core.Descriptor {
	if s.desc != nil {
		return *s.desc
	}
	return core.Descriptor{Name: s.name}
}

func TestManagerStartsAndStopsInOrder(t *testing.T) {
	var started, stopped []string

	m := NewManager(
		recordingService{name: "a", startedAt: &started, stoppedAt: &stopped},
		recordingService{name: "b", startedAt: &started, stoppedAt: &stopped},
	)

	require.NoError(t, m.Start(context.Background()))
	assert.Equal(t, []string{"a", "b"}, started)

	require.NoError(t, m.Stop(context.Background()))
	assert.Equal(t, []string{"b", "a"}, stopped)
}

func TestManagerStartFailureRollsBackAlreadyStarted(t *testing.T) {
	var started, stopped []string

	m := NewManager(
		recordingService{name: "a", startedAt: &started, stoppedAt: &stopped},
		recordingService{name: "b", startedAt: &started, stoppedAt: &stopped, startErr: errors.New("boom")},
		recordingService{name: "c", startedAt: &started, stoppedAt: &stopped},
	)

	err := m.Start(context.Background())
	require.Error(t, err)
	assert.Len(t, started, 2, "expected only a and b to attempt start")
	assert.Equal(t, []string{"a"}, stopped, "expected only a to be rolled back")
}

func TestManagerDescriptorsSortedByLayerThenName(t *testing.T) {
	m := NewManager(
		recordingService{name: "svc-b", desc: &core.Descriptor{Name: "svc-b", Layer: core.LayerEngine}},
		recordingService{name: "svc-a", desc: &core.Descriptor{Name: "svc-a", Layer: core.LayerIngress}},
	)

	descs := m.Descriptors()
	require.Len(t, descs, 2)
	assert.Equal(t, "svc-b", descs[0].Name)
	assert.Equal(t, "svc-a", descs[1].Name)
}

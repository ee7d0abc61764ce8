package audit_test

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mindburn-labs/agent-gateway/pkg/audit"
)

func TestAsyncLoggerWritesStructuredJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := audit.NewLoggerWithWriter(&buf, 16)

	logger.Record(context.Background(), audit.Event{
		CorrelationID: "corr-1",
		AgentID:       "agent-1",
		Type:          audit.EventPolicyDenial,
		Action:        "proxy-request",
		Metadata:      map[string]interface{}{"reason": "quota"},
	})
	logger.Close()

	var evt audit.Event
	line := strings.TrimSpace(buf.String())
	require.NoError(t, json.Unmarshal([]byte(line), &evt))
	require.Equal(t, "corr-1", evt.CorrelationID)
	require.Equal(t, audit.EventPolicyDenial, evt.Type)
	require.NotEmpty(t, evt.ID)
	require.Equal(t, "quota", evt.Metadata["reason"])
}

func TestAsyncLoggerDropsOldestUnderBackpressure(t *testing.T) {
	blocker := make(chan struct{})
	logger := audit.NewLoggerWithWriter(blockingWriter{blocker}, 2)
	defer func() {
		close(blocker)
		logger.Close()
	}()

	for i := 0; i < 10; i++ {
		logger.Record(context.Background(), audit.Event{CorrelationID: "c", Action: "x"})
	}

	require.Greater(t, logger.Dropped(), uint64(0))
}

type blockingWriter struct {
	unblock chan struct{}
}

func (w blockingWriter) Write(p []byte) (int, error) {
	<-w.unblock
	return len(p), nil
}

func TestRingRepositoryQueryByCorrelationAndAgent(t *testing.T) {
	repo := audit.NewRingRepository(8)
	ctx := context.Background()

	require.NoError(t, repo.Append(ctx, audit.Event{ID: "1", CorrelationID: "corr-a", AgentID: "agent-1", Timestamp: time.Now()}))
	require.NoError(t, repo.Append(ctx, audit.Event{ID: "2", CorrelationID: "corr-b", AgentID: "agent-1", Timestamp: time.Now()}))
	require.NoError(t, repo.Append(ctx, audit.Event{ID: "3", CorrelationID: "corr-a", AgentID: "agent-2", Timestamp: time.Now()}))

	byCorr, err := repo.ByCorrelationID(ctx, "corr-a")
	require.NoError(t, err)
	require.Len(t, byCorr, 2)

	byAgent, err := repo.ByAgentID(ctx, "agent-1", 0)
	require.NoError(t, err)
	require.Len(t, byAgent, 2)
}

func TestRingRepositoryWrapsAroundCapacity(t *testing.T) {
	repo := audit.NewRingRepository(2)
	ctx := context.Background()

	require.NoError(t, repo.Append(ctx, audit.Event{ID: "1", CorrelationID: "c1"}))
	require.NoError(t, repo.Append(ctx, audit.Event{ID: "2", CorrelationID: "c1"}))
	require.NoError(t, repo.Append(ctx, audit.Event{ID: "3", CorrelationID: "c1"}))

	got, err := repo.ByCorrelationID(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, got, 2)
}

func TestRecordingLoggerAppendsToRepository(t *testing.T) {
	var buf bytes.Buffer
	base := audit.NewLoggerWithWriter(&buf, 16)
	repo := audit.NewRingRepository(8)
	rec := audit.NewRecordingLogger(base, repo)
	defer base.Close()

	rec.Record(context.Background(), audit.Event{ID: "x", CorrelationID: "corr-z", Action: "mint"})

	got, err := repo.ByCorrelationID(context.Background(), "corr-z")
	require.NoError(t, err)
	require.Len(t, got, 1)
}

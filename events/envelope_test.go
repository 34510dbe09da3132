package events

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type taskCreatedPayload struct {
	TaskId string `json:"taskId"`
	Title  string `json:"title"`
}

func TestNew(t *testing.T) {
	before := time.Now().UTC()
	e, err := New("task.created", "1.0", "task-service",
		taskCreatedPayload{TaskId: "t1", Title: "write report"},
		WithCorrelationId("corr-1"),
		WithCausationId("cause-1"),
		WithTenant("tenant-1", "acme"),
		WithUserId("user-1"),
		WithMetadata(map[string]any{"origin": "api"}),
	)
	require.NoError(t, err)

	parsed, err := uuid.Parse(e.ID)
	require.NoError(t, err)
	assert.Equal(t, uuid.Version(7), parsed.Version())

	assert.Equal(t, "task.created", e.Type)
	assert.Equal(t, "1.0", e.Version)
	assert.Equal(t, "task-service", e.Source)
	assert.False(t, e.Timestamp.Before(before))
	assert.Equal(t, "corr-1", e.CorrelationId)
	assert.Equal(t, "cause-1", e.CausationId)
	assert.Equal(t, "tenant-1", e.TenantId)
	assert.Equal(t, "acme", e.TenantSlug)
	assert.Equal(t, "user-1", e.UserId)
	assert.Equal(t, "api", e.MetaString("origin"))
	assert.JSONEq(t, `{"taskId":"t1","title":"write report"}`, string(e.Payload))
}

func TestNewValidation(t *testing.T) {
	tests := []struct {
		name      string
		eventType string
		version   string
		source    string
		payload   any
	}{
		{name: "missing type", eventType: "", version: "1.0", source: "svc", payload: map[string]any{"a": 1}},
		{name: "missing version", eventType: "task.created", version: "", source: "svc", payload: map[string]any{"a": 1}},
		{name: "missing source", eventType: "task.created", version: "1.0", source: "", payload: map[string]any{"a": 1}},
		{name: "missing payload", eventType: "task.created", version: "1.0", source: "svc", payload: nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.eventType, tt.version, tt.source, tt.payload)
			assert.ErrorIs(t, err, ErrInvalidEnvelope)
		})
	}
}

func TestNewRawPayload(t *testing.T) {
	e, err := New("task.created", "1.0", "task-service", json.RawMessage(`{"taskId":"t9"}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"taskId":"t9"}`, string(e.Payload))
}

func TestMarshalUnmarshal(t *testing.T) {
	e, err := New("billing.invoice.created", "2.1", "billing-service",
		map[string]any{"invoiceId": "inv-1"},
		WithTenant("tenant-7", "globex"),
	)
	require.NoError(t, err)

	data, err := e.Marshal()
	require.NoError(t, err)

	var wire map[string]any
	require.NoError(t, json.Unmarshal(data, &wire))
	assert.Contains(t, wire, "id")
	assert.Contains(t, wire, "type")
	assert.Contains(t, wire, "version")
	assert.Contains(t, wire, "timestamp")
	assert.Contains(t, wire, "source")
	assert.Contains(t, wire, "tenantId")
	assert.Contains(t, wire, "tenantSlug")
	assert.NotContains(t, wire, "correlationId", "unset optional fields are omitted")
	assert.NotContains(t, wire, "userId")

	decoded, err := Unmarshal(data)
	require.NoError(t, err)
	assert.Equal(t, e.ID, decoded.ID)
	assert.Equal(t, e.Type, decoded.Type)
	assert.Equal(t, e.TenantSlug, decoded.TenantSlug)
	assert.True(t, e.Timestamp.Equal(decoded.Timestamp))
	assert.JSONEq(t, string(e.Payload), string(decoded.Payload))
}

func TestUnmarshalRejectsIncomplete(t *testing.T) {
	_, err := Unmarshal([]byte(`{"id":"e1","type":"task.created","version":"1.0","payload":{"a":1}}`))
	assert.ErrorIs(t, err, ErrInvalidEnvelope)

	_, err = Unmarshal([]byte(`not json`))
	assert.ErrorIs(t, err, ErrInvalidEnvelope)
}

func TestDecode(t *testing.T) {
	e, err := New("task.created", "1.0", "task-service", taskCreatedPayload{TaskId: "t1"})
	require.NoError(t, err)

	var p taskCreatedPayload
	require.NoError(t, e.Decode(&p))
	assert.Equal(t, "t1", p.TaskId)
}

func TestNewChild(t *testing.T) {
	parent, err := New("task.created", "1.0", "task-service",
		map[string]any{"taskId": "t1"},
		WithTenant("tenant-1", "acme"),
		WithUserId("user-1"),
	)
	require.NoError(t, err)

	child, err := parent.NewChild("task.completed", "1.0", "task-service", map[string]any{"taskId": "t1"})
	require.NoError(t, err)

	assert.Equal(t, parent.ID, child.CorrelationId, "correlation falls back to parent id")
	assert.Equal(t, parent.ID, child.CausationId)
	assert.Equal(t, "tenant-1", child.TenantId)
	assert.Equal(t, "acme", child.TenantSlug)
	assert.Equal(t, "user-1", child.UserId)
	assert.NotEqual(t, parent.ID, child.ID)

	grandchild, err := child.NewChild("assessment.submitted", "1.0", "assessment-service", map[string]any{"a": 1})
	require.NoError(t, err)
	assert.Equal(t, parent.ID, grandchild.CorrelationId, "correlation is carried down the chain")
	assert.Equal(t, child.ID, grandchild.CausationId)
}

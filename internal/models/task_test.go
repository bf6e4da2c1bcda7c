package models_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheMichaelB/sectionrepeat/internal/models"
)

func TestTaskValidate(t *testing.T) {
	tests := []struct {
		name    string
		task    models.Task
		wantErr bool
	}{
		{"repeat changed", models.NewRepeatChangedTask(5, true, "abc"), false},
		{"reconcile needs no tab", models.NewReconcileTask(), false},
		{"missing tab", models.Task{Type: models.TaskTabRemoved}, true},
		{"unknown kind", models.Task{Type: "explode", Payload: models.TaskPayload{TabID: 1}}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.task.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, models.ErrInvalidTask)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestTaskKindCritical(t *testing.T) {
	critical := map[models.TaskKind]bool{
		models.TaskRepeatChanged:  true,
		models.TaskStillRepeating: true,
		models.TaskNavigatedAway:  true,
	}
	for _, kind := range models.AllTaskKinds() {
		assert.Equal(t, critical[kind], kind.Critical(), kind)
	}
}

func TestTaskWireFormat(t *testing.T) {
	task := models.NewRepeatChangedTask(7, true, "vid")
	task.Retries = 2

	data, err := json.Marshal(task)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"repeat-changed","payload":{"tabId":7,"isRepeating":true,"videoId":"vid"},"retries":2}`, string(data))
}

func TestTabStateMap(t *testing.T) {
	m := models.NewTabStateMap()
	m.Set(12, models.TabState{Repeating: true})
	m.Set(3, models.TabState{Status: models.StatusInitializing})

	clone := m.Clone()
	assert.True(t, clone.Delete(12))
	assert.False(t, clone.Delete(12))
	assert.True(t, m.Has(12), "clone must not alias the original")

	ids, err := m.TabIDs()
	require.NoError(t, err)
	assert.Equal(t, []int{3, 12}, ids)

	m["not-a-number"] = models.TabState{}
	_, err = m.TabIDs()
	assert.Error(t, err)
}

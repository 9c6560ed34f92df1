package ecrf

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"aliquot-sync/internal/domain"
	"aliquot-sync/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, "secret-token", 2*time.Second, zap.NewNop())
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

func TestCreateTask_Success(t *testing.T) {
	var gotAuth string
	var gotBody CreateTaskRequest
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/v1/patients/P1/tasks", r.URL.Path)
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		writeJSON(w, http.StatusOK, map[string]any{"status": 0, "msg": "ok", "data": map[string]string{"task_id": "T-77"}})
	})

	id, err := client.CreateTask(context.Background(), CreateTaskRequest{
		PatientID: "P1",
		TaskCode:  TaskShipmentTracking,
		Form:      ShipmentTrackingForm{ShipmentRef: "S-001"},
	})

	require.NoError(t, err)
	assert.Equal(t, "T-77", id)
	assert.Equal(t, "Bearer secret-token", gotAuth)
	assert.Equal(t, TaskShipmentTracking, gotBody.TaskCode)
}

func TestCreateTask_EnvelopeErrorIsApplicationError(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": 4012, "msg": "patient withdrawn"})
	})

	_, err := client.CreateTask(context.Background(), CreateTaskRequest{PatientID: "P1", TaskCode: TaskShipmentTracking})

	var appErr *domain.ApplicationError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, 4012, appErr.Code)
	assert.Equal(t, "patient withdrawn", appErr.Message)
}

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		name   string
		status int
		check  func(t *testing.T, err error)
	}{
		{"not found", http.StatusNotFound, func(t *testing.T, err error) {
			assert.True(t, domain.IsNotFound(err))
		}},
		{"rejected", http.StatusUnprocessableEntity, func(t *testing.T, err error) {
			var appErr *domain.ApplicationError
			require.ErrorAs(t, err, &appErr)
			assert.Equal(t, http.StatusUnprocessableEntity, appErr.Code)
		}},
		{"unavailable", http.StatusServiceUnavailable, func(t *testing.T, err error) {
			var commErr *domain.CommunicationError
			assert.ErrorAs(t, err, &commErr)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, tt.status, map[string]any{"status": tt.status, "msg": tt.name})
			})
			_, err := client.FindForm(context.Background(), "F1")
			require.Error(t, err)
			assert.True(t, domain.IsRecoverable(err))
			tt.check(t, err)
		})
	}
}

func TestTimeoutIsCommunicationError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
		writeJSON(w, http.StatusOK, map[string]any{"status": 0})
	}))
	defer srv.Close()
	client := NewClient(srv.URL, "", 50*time.Millisecond, zap.NewNop())

	_, err := client.CurrentSession(context.Background())

	var commErr *domain.CommunicationError
	require.ErrorAs(t, err, &commErr)
	assert.Equal(t, "current_session", commErr.Op)
}

func TestLocateSampleForm_QueryParams(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "LAB_SAMPLE_ID", r.URL.Query().Get("owner_kind"))
		assert.Equal(t, "M-100", r.URL.Query().Get("owner_key"))
		writeJSON(w, http.StatusOK, map[string]any{"status": 0, "data": map[string]string{
			"form_id": "F9", "patient_id": "P9", "patient_ref": "REF-9",
		}})
	})

	form, err := client.LocateSampleForm(context.Background(), OwnerLabSampleID, "M-100")
	require.NoError(t, err)
	assert.Equal(t, "F9", form.FormID)
	assert.Equal(t, "P9", form.PatientID)
}

func TestUpdateForm_SendsValues(t *testing.T) {
	var body struct {
		Values []FieldValue `json:"values"`
	}
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "/api/v1/forms/F1/values", r.URL.Path)
		_ = json.NewDecoder(r.Body).Decode(&body)
		writeJSON(w, http.StatusOK, map[string]any{"status": 0})
	})

	err := client.UpdateForm(context.Background(), "F1", []FieldValue{{Name: "plasma_aliquots", Value: "A1,A2"}})
	require.NoError(t, err)
	require.Len(t, body.Values, 1)
	assert.Equal(t, "A1,A2", body.Values[0].Value)
}

func TestCachedGateway_LocateIsCached(t *testing.T) {
	calls := 0
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		writeJSON(w, http.StatusOK, map[string]any{"status": 0, "data": map[string]string{"form_id": "F1", "patient_id": "P1"}})
	})
	gw := NewCachedGateway(client, store.NewMemoryKV(), time.Minute, zap.NewNop())

	for i := 0; i < 3; i++ {
		form, err := gw.LocateSampleForm(context.Background(), OwnerPatientRef, "REF-1")
		require.NoError(t, err)
		assert.Equal(t, "P1", form.PatientID)
	}
	assert.Equal(t, 1, calls)
}

func TestCachedGateway_ErrorsAreNotCached(t *testing.T) {
	calls := 0
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		writeJSON(w, http.StatusNotFound, map[string]any{"status": 404})
	})
	gw := NewCachedGateway(client, store.NewMemoryKV(), time.Minute, zap.NewNop())

	for i := 0; i < 2; i++ {
		_, err := gw.LocateSampleForm(context.Background(), OwnerPatientRef, "REF-X")
		assert.True(t, domain.IsNotFound(err))
	}
	assert.Equal(t, 2, calls)
}

func TestCallerCredentialOverridesServiceToken(t *testing.T) {
	var auth []string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		auth = append(auth, r.Header.Get("Authorization"))
		writeJSON(w, http.StatusOK, map[string]any{"status": 0, "data": map[string]any{"team_id": 10}})
	})

	_, err := client.CurrentSession(WithCredential(context.Background(), "user-x"))
	require.NoError(t, err)
	_, err = client.CurrentSession(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"Bearer user-x", "Bearer secret-token"}, auth)
}

func TestCachedGateway_SessionKeyedByCredential(t *testing.T) {
	teams := map[string]int64{"Bearer user-x": 10, "Bearer user-y": 20, "Bearer secret-token": 1}
	calls := 0
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		writeJSON(w, http.StatusOK, map[string]any{"status": 0, "data": map[string]any{"team_id": teams[r.Header.Get("Authorization")]}})
	})
	kv := store.NewMemoryKV()
	gw := NewCachedGateway(client, kv, time.Minute, zap.NewNop())
	ctxX := WithCredential(context.Background(), "user-x")
	ctxY := WithCredential(context.Background(), "user-y")

	for i := 0; i < 2; i++ {
		sx, err := gw.CurrentSession(ctxX)
		require.NoError(t, err)
		assert.Equal(t, int64(10), sx.TeamID)

		sy, err := gw.CurrentSession(ctxY)
		require.NoError(t, err)
		assert.Equal(t, int64(20), sy.TeamID)

		svc, err := gw.CurrentSession(context.Background())
		require.NoError(t, err)
		assert.Equal(t, int64(1), svc.TeamID)
	}
	assert.Equal(t, 3, calls)

	// 缓存键里不出现明文令牌
	_, err := kv.Get(context.Background(), sessionKey+"user-x")
	assert.ErrorIs(t, err, store.ErrMiss)
}

func TestWithCredential_EmptyTokenIgnored(t *testing.T) {
	_, ok := CredentialFrom(WithCredential(context.Background(), ""))
	assert.False(t, ok)
	token, ok := CredentialFrom(WithCredential(context.Background(), "abc"))
	assert.True(t, ok)
	assert.Equal(t, "abc", token)
}

func TestSession_Location(t *testing.T) {
	s := &Session{Timezone: "Europe/Madrid"}
	assert.Equal(t, "Europe/Madrid", s.Location().String())
	assert.Equal(t, time.UTC, (&Session{Timezone: "Nowhere/Bogus"}).Location())
	var nilSession *Session
	assert.Equal(t, time.UTC, nilSession.Location())
}

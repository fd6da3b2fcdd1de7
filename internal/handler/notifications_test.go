package handler

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/psicoagenda/wa-gateway/internal/errors"
	"github.com/psicoagenda/wa-gateway/internal/repository"
	"github.com/psicoagenda/wa-gateway/internal/service"
	"github.com/psicoagenda/wa-gateway/internal/session"
)

type stubSweeper struct {
	res   service.SweepResult
	err   error
	calls int
}

func (s *stubSweeper) RunOnce(ctx context.Context) (service.SweepResult, error) {
	s.calls++
	return s.res, s.err
}

type notificationFixture struct {
	router    http.Handler
	repo      repository.NotificationRepository
	scheduler *service.SchedulerService
	session   *stubSession
	sweeper   *stubSweeper
}

func newNotificationFixture(t *testing.T, phase session.Phase) *notificationFixture {
	t.Helper()
	_, repo := setupRepo(t)

	catalog, err := service.NewTemplateCatalog("")
	require.NoError(t, err)

	sess := newStubSession(phase)
	normalizer := service.NewRecipientNormalizer("54")
	delivery := service.NewDeliveryService(sess, repo, normalizer, nil, 0)
	scheduler := service.NewSchedulerService(repo, delivery, normalizer, catalog, 20, 0)
	sweeper := &stubSweeper{}

	return &notificationFixture{
		router:    NewNotificationHandler(scheduler, catalog, sweeper).Routes(),
		repo:      repo,
		scheduler: scheduler,
		session:   sess,
		sweeper:   sweeper,
	}
}

func (f *notificationFixture) do(t *testing.T, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func TestNotificationHandler_Create(t *testing.T) {
	t.Run("schedules a named template", func(t *testing.T) {
		f := newNotificationFixture(t, session.PhaseConnected)

		rec := f.do(t, jsonRequest(t, http.MethodPost, "/", map[string]any{
			"phoneNumber":  "11 6187 0522",
			"templateName": "appointment_reminder",
			"variables":    map[string]any{"name": "Ana", "date": "12/03", "time": "15:00"},
			"delayMs":      60000,
			"metadata":     map[string]any{"appointmentId": "apt-1"},
		}))

		require.Equal(t, http.StatusCreated, rec.Code)
		body := decodeBody(t, rec)
		assert.Equal(t, "pending", body["status"])
		assert.Equal(t, "541161870522@s.whatsapp.net", body["recipientAddress"])
		assert.Contains(t, body["message"], "Hola Ana")
		assert.Contains(t, body["message"], "15:00")

		metadata := body["metadata"].(map[string]any)
		assert.Equal(t, "apt-1", metadata["appointmentId"])
		assert.Equal(t, "appointment_reminder", metadata["templateName"])

		scheduled, err := time.Parse(time.RFC3339Nano, body["scheduledFor"].(string))
		require.NoError(t, err)
		assert.WithinDuration(t, time.Now().Add(time.Minute), scheduled, 5*time.Second)
	})

	t.Run("honors an explicit scheduledFor", func(t *testing.T) {
		f := newNotificationFixture(t, session.PhaseConnected)
		at := time.Date(2030, 1, 2, 15, 4, 5, 0, time.UTC)

		rec := f.do(t, jsonRequest(t, http.MethodPost, "/", map[string]any{
			"phoneNumber":  "+5491161870522",
			"template":     "Hola",
			"scheduledFor": at.Format(time.RFC3339),
		}))

		require.Equal(t, http.StatusCreated, rec.Code)
		assert.Equal(t, "2030-01-02T15:04:05Z", decodeBody(t, rec)["scheduledFor"])
	})

	t.Run("validation errors", func(t *testing.T) {
		tests := []struct {
			name     string
			body     map[string]any
			wantCode int
			wantErr  string
		}{
			{"missing phone", map[string]any{"template": "Hola"}, http.StatusBadRequest, "MISSING_REQUIRED"},
			{"missing template", map[string]any{"phoneNumber": "1161870522"}, http.StatusBadRequest, "MISSING_REQUIRED"},
			{"unknown template", map[string]any{"phoneNumber": "1161870522", "templateName": "nope"}, http.StatusNotFound, "NOT_FOUND"},
			{"negative delay", map[string]any{"phoneNumber": "1161870522", "template": "Hola", "delayMs": -1}, http.StatusBadRequest, "INVALID_INPUT"},
			{"invalid phone", map[string]any{"phoneNumber": "12", "template": "Hola"}, http.StatusBadRequest, "INVALID_PHONE"},
		}

		for _, tc := range tests {
			t.Run(tc.name, func(t *testing.T) {
				f := newNotificationFixture(t, session.PhaseConnected)

				rec := f.do(t, jsonRequest(t, http.MethodPost, "/", tc.body))

				assert.Equal(t, tc.wantCode, rec.Code)
				assert.Equal(t, tc.wantErr, decodeBody(t, rec)["code"])
			})
		}
	})
}

func TestNotificationHandler_Lifecycle(t *testing.T) {
	f := newNotificationFixture(t, session.PhaseDisconnected)
	ctx := context.Background()

	n, err := f.scheduler.ScheduleReminder(ctx, service.ScheduleParams{
		PhoneNumber: "1161870522",
		Template:    "Hola {{name}}",
		Variables:   map[string]any{"name": "Ana"},
	})
	require.NoError(t, err)

	res, err := f.scheduler.SweepDue(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, res.Failed)

	t.Run("get shows the failure", func(t *testing.T) {
		rec := f.do(t, httptest.NewRequest(http.MethodGet, "/"+n.ID, nil))

		require.Equal(t, http.StatusOK, rec.Code)
		body := decodeBody(t, rec)
		assert.Equal(t, "failed", body["status"])
		assert.NotEmpty(t, body["errorMessage"])
	})

	t.Run("list filters by status", func(t *testing.T) {
		rec := f.do(t, httptest.NewRequest(http.MethodGet, "/?status=failed", nil))
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Len(t, decodeBody(t, rec)["notifications"], 1)

		rec = f.do(t, httptest.NewRequest(http.MethodGet, "/?status=sent", nil))
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Len(t, decodeBody(t, rec)["notifications"], 0)

		rec = f.do(t, httptest.NewRequest(http.MethodGet, "/?status=bogus", nil))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("stats", func(t *testing.T) {
		rec := f.do(t, httptest.NewRequest(http.MethodGet, "/stats", nil))

		require.Equal(t, http.StatusOK, rec.Code)
		body := decodeBody(t, rec)
		assert.EqualValues(t, 1, body["failed"])
		assert.EqualValues(t, 0, body["pending"])
	})

	t.Run("retry then sweep delivers", func(t *testing.T) {
		rec := f.do(t, httptest.NewRequest(http.MethodPost, "/"+n.ID+"/retry", nil))
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "pending", decodeBody(t, rec)["status"])

		f.session.mu.Lock()
		f.session.state.Phase = session.PhaseConnected
		f.session.mu.Unlock()

		res, err := f.scheduler.SweepDue(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, res.Sent)

		rec = f.do(t, httptest.NewRequest(http.MethodGet, "/"+n.ID, nil))
		assert.Equal(t, "sent", decodeBody(t, rec)["status"])
	})

	t.Run("retry of a sent notification is rejected", func(t *testing.T) {
		rec := f.do(t, httptest.NewRequest(http.MethodPost, "/"+n.ID+"/retry", nil))

		assert.Equal(t, http.StatusConflict, rec.Code)
		assert.Equal(t, "INVALID_STATE", decodeBody(t, rec)["code"])
	})

	t.Run("unknown id", func(t *testing.T) {
		rec := f.do(t, httptest.NewRequest(http.MethodGet, "/not-a-uuid", nil))
		assert.Equal(t, http.StatusNotFound, rec.Code)

		rec = f.do(t, httptest.NewRequest(http.MethodGet, "/00000000-0000-4000-8000-000000000000", nil))
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestNotificationHandler_Templates(t *testing.T) {
	f := newNotificationFixture(t, session.PhaseConnected)

	rec := f.do(t, httptest.NewRequest(http.MethodGet, "/templates", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	templates := decodeBody(t, rec)["templates"].([]any)
	names := make([]string, 0, len(templates))
	for _, tpl := range templates {
		names = append(names, fmt.Sprint(tpl.(map[string]any)["name"]))
	}
	assert.Contains(t, names, "appointment_reminder")
	assert.Contains(t, names, "appointment_confirmation")
}

func TestNotificationHandler_Sweep(t *testing.T) {
	t.Run("runs a sweep", func(t *testing.T) {
		f := newNotificationFixture(t, session.PhaseConnected)
		f.sweeper.res = service.SweepResult{Claimed: 2, Sent: 2}

		rec := f.do(t, httptest.NewRequest(http.MethodPost, "/sweep", nil))

		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, 1, f.sweeper.calls)
		assert.EqualValues(t, 2, decodeBody(t, rec)["sent"])
	})

	t.Run("409 while another sweep holds the lock", func(t *testing.T) {
		f := newNotificationFixture(t, session.PhaseConnected)
		f.sweeper.err = apperrors.New(apperrors.ErrCodeConflict, "sweep already running")

		rec := f.do(t, httptest.NewRequest(http.MethodPost, "/sweep", nil))

		assert.Equal(t, http.StatusConflict, rec.Code)
		assert.Equal(t, "CONFLICT", decodeBody(t, rec)["code"])
	})
}

package calendar

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clinic-calendar-sync/internal/domain"
)

// fakeAPI records requests and answers with canned responses keyed by "METHOD path".
type fakeAPI struct {
	mu        sync.Mutex
	requests  []string
	bodies    map[string]string
	auth      []string
	responses map[string]fakeResponse
}

type fakeResponse struct {
	status int
	body   string
}

func newFakeAPI(t *testing.T, responses map[string]fakeResponse) (*fakeAPI, *Client) {
	t.Helper()
	f := &fakeAPI{responses: responses, bodies: make(map[string]string)}
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	c := NewClient(
		WithEndpoint(srv.URL+"/"),
		WithRevokeURL(srv.URL+"/revoke"),
		WithHTTPClient(srv.Client()),
	)
	return f, c
}

func (f *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	key := r.Method + " " + r.URL.Path
	body, _ := io.ReadAll(r.Body)

	f.mu.Lock()
	f.requests = append(f.requests, key)
	f.bodies[key] = string(body)
	f.auth = append(f.auth, r.Header.Get("Authorization"))
	resp, ok := f.responses[key]
	f.mu.Unlock()

	if !ok {
		resp = fakeResponse{status: http.StatusNotFound, body: `{"error":{"code":404,"message":"no route"}}`}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.status)
	io.WriteString(w, resp.body)
}

func sampleEvent() EventInput {
	start := time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)
	return EventInput{
		Summary:       "Checkup - Rex",
		Description:   "Patient: Rex",
		Start:         start,
		End:           start.Add(30 * time.Minute),
		AppointmentID: 42,
	}
}

func TestInsertEvent(t *testing.T) {
	f, c := newFakeAPI(t, map[string]fakeResponse{
		"POST /calendars/cal-1/events": {http.StatusOK, `{"id":"ev-123"}`},
	})

	id, err := c.InsertEvent(context.Background(), "tok", "cal-1", sampleEvent())
	require.NoError(t, err)
	assert.Equal(t, "ev-123", id)
	assert.Equal(t, "Bearer tok", f.auth[0])

	var sent map[string]any
	require.NoError(t, json.Unmarshal([]byte(f.bodies["POST /calendars/cal-1/events"]), &sent))
	assert.Equal(t, "Checkup - Rex", sent["summary"])
	ext := sent["extendedProperties"].(map[string]any)["private"].(map[string]any)
	assert.Equal(t, "42", ext[AppointmentIDProperty])
	assert.Equal(t, "2026-06-01T09:00:00Z", sent["start"].(map[string]any)["dateTime"])
}

func TestInsertEvent_ProviderError(t *testing.T) {
	_, c := newFakeAPI(t, map[string]fakeResponse{
		"POST /calendars/cal-1/events": {http.StatusForbidden, `{"error":{"code":403,"message":"rate limited"}}`},
	})

	_, err := c.InsertEvent(context.Background(), "tok", "cal-1", sampleEvent())
	var perr *domain.ProviderAPIError
	require.True(t, errors.As(err, &perr), "error %v is not a ProviderAPIError", err)
	assert.Equal(t, http.StatusForbidden, perr.StatusCode)
	assert.Contains(t, perr.Body, "rate limited")
}

func TestUpdateEvent(t *testing.T) {
	f, c := newFakeAPI(t, map[string]fakeResponse{
		"PUT /calendars/cal-1/events/ev-1": {http.StatusOK, `{"id":"ev-1"}`},
	})

	require.NoError(t, c.UpdateEvent(context.Background(), "tok", "cal-1", "ev-1", sampleEvent()))
	assert.Equal(t, []string{"PUT /calendars/cal-1/events/ev-1"}, f.requests)
}

func TestUpdateEvent_Gone(t *testing.T) {
	_, c := newFakeAPI(t, nil)

	err := c.UpdateEvent(context.Background(), "tok", "cal-1", "ev-1", sampleEvent())
	var perr *domain.ProviderAPIError
	require.True(t, errors.As(err, &perr))
	assert.True(t, perr.IsGone())
}

func TestDeleteEvent(t *testing.T) {
	tests := []struct {
		name    string
		resp    fakeResponse
		wantErr bool
	}{
		{"deleted", fakeResponse{http.StatusNoContent, ""}, false},
		{"already gone", fakeResponse{http.StatusGone, `{"error":{"code":410,"message":"deleted"}}`}, false},
		{"server error", fakeResponse{http.StatusInternalServerError, `{"error":{"code":500,"message":"boom"}}`}, true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, c := newFakeAPI(t, map[string]fakeResponse{
				"DELETE /calendars/cal-1/events/ev-1": tc.resp,
			})
			err := c.DeleteEvent(context.Background(), "tok", "cal-1", "ev-1")
			if tc.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestListEvents(t *testing.T) {
	_, c := newFakeAPI(t, map[string]fakeResponse{
		"GET /calendars/cal-1/events": {http.StatusOK, `{"items":[
			{"id":"ev-1","status":"confirmed","extendedProperties":{"private":{"appointmentId":"7"}}},
			{"id":"ev-2","status":"cancelled"}
		]}`},
	})

	now := time.Now()
	events, err := c.ListEvents(context.Background(), "tok", "cal-1", now.Add(-7*24*time.Hour), now)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "7", events[0].AppointmentID)
	assert.False(t, events[0].Cancelled())
	assert.True(t, events[1].Cancelled())
}

func TestEnsureCalendar(t *testing.T) {
	t.Run("existing", func(t *testing.T) {
		f, c := newFakeAPI(t, map[string]fakeResponse{
			"GET /users/me/calendarList": {http.StatusOK, `{"items":[
				{"id":"primary","summary":"vet@example.com"},
				{"id":"clinic-cal","summary":"Clinic Appointments"}
			]}`},
		})
		id, err := c.EnsureCalendar(context.Background(), "tok", "Clinic Appointments")
		require.NoError(t, err)
		assert.Equal(t, "clinic-cal", id)
		assert.Len(t, f.requests, 1)
	})

	t.Run("created", func(t *testing.T) {
		f, c := newFakeAPI(t, map[string]fakeResponse{
			"GET /users/me/calendarList": {http.StatusOK, `{"items":[{"id":"primary","summary":"vet@example.com"}]}`},
			"POST /calendars":            {http.StatusOK, `{"id":"new-cal","summary":"Clinic Appointments"}`},
		})
		id, err := c.EnsureCalendar(context.Background(), "tok", "Clinic Appointments")
		require.NoError(t, err)
		assert.Equal(t, "new-cal", id)
		assert.Contains(t, f.bodies["POST /calendars"], "Clinic Appointments")
	})
}

func TestUserEmail(t *testing.T) {
	_, c := newFakeAPI(t, map[string]fakeResponse{
		"GET /oauth2/v2/userinfo": {http.StatusOK, `{"email":"vet@example.com","verified_email":true}`},
	})
	email, err := c.UserEmail(context.Background(), "tok")
	require.NoError(t, err)
	assert.Equal(t, "vet@example.com", email)
}

func TestRevoke(t *testing.T) {
	f, c := newFakeAPI(t, map[string]fakeResponse{
		"POST /revoke": {http.StatusOK, `{}`},
	})
	require.NoError(t, c.Revoke(context.Background(), "refresh-tok"))
	assert.True(t, strings.Contains(f.bodies["POST /revoke"], "token=refresh-tok"))

	_, failing := newFakeAPI(t, map[string]fakeResponse{
		"POST /revoke": {http.StatusBadRequest, `{"error":"invalid_token"}`},
	})
	assert.Error(t, failing.Revoke(context.Background(), "x"))
}

func TestEventFromAppointment(t *testing.T) {
	start := time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)
	a := domain.Appointment{
		ID:          9,
		Title:       "Vaccination",
		Description: "Annual booster",
		PatientName: "Milo",
		MicrochipID: "250269604123456",
		Room:        "Exam 2",
		Status:      domain.AppointmentScheduled,
		StartTime:   start,
		EndTime:     start.Add(time.Hour),
	}

	ev := EventFromAppointment(a)
	assert.Equal(t, "Vaccination - Milo", ev.Summary)
	assert.Equal(t, "Patient: Milo\nMicrochip ID: 250269604123456\nRoom: Exam 2\nStatus: scheduled\n\nAnnual booster", ev.Description)
	assert.Equal(t, int64(9), ev.AppointmentID)

	a.PatientName = ""
	assert.Equal(t, "Vaccination", EventFromAppointment(a).Summary)
}

func TestChecksum(t *testing.T) {
	a := sampleEvent()
	b := sampleEvent()
	assert.Equal(t, Checksum(a), Checksum(b))

	b.End = b.End.Add(time.Minute)
	assert.NotEqual(t, Checksum(a), Checksum(b))

	c := sampleEvent()
	c.Start = c.Start.In(time.FixedZone("CET", 3600))
	assert.Equal(t, Checksum(a), Checksum(c), "checksum is zone independent")
}

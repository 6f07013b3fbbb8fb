package safetyapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guardtrail/sentinel/internal/resilience"
)

func TestPostSOS_Success(t *testing.T) {
	var got SOSRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/alerts/sos", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "success"})
	}))
	defer srv.Close()

	c := New(srv.URL, 0)
	err := c.PostSOS(context.Background(), SOSRequest{
		AlertID:   "sos-1",
		SubjectID: "tourist-9",
		Lat:       26.15,
		Lng:       91.74,
		Timestamp: time.Now().UTC(),
		Source:    "manual",
	})
	require.NoError(t, err)
	assert.Equal(t, "sos-1", got.AlertID)
	assert.Equal(t, "manual", got.Source)
}

func TestPostSOS_ServerErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	err := New(srv.URL, 0).PostSOS(context.Background(), SOSRequest{AlertID: "x"})
	require.Error(t, err)
	assert.True(t, resilience.IsTransient(err))
}

func TestPostSOS_BadRequestIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	err := New(srv.URL, 0).PostSOS(context.Background(), SOSRequest{AlertID: "x"})
	require.Error(t, err)
	assert.False(t, resilience.IsTransient(err))
}

func TestPostSOS_BackendRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "error"})
	}))
	defer srv.Close()

	err := New(srv.URL, 0).PostSOS(context.Background(), SOSRequest{AlertID: "x"})
	assert.Error(t, err)
}

func TestPostSOS_ConnectionRefusedIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close() // nothing listening anymore

	err := New(srv.URL, time.Second).PostSOS(context.Background(), SOSRequest{AlertID: "x"})
	require.Error(t, err)
	assert.True(t, resilience.IsTransient(err))
}

func TestGetZones(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/zones", r.URL.Path)
		_, _ = w.Write([]byte(`[
			{"id": "z1", "name": "Old Market", "risk_level": "high",
			 "polygon": [[26.14, 91.73], [26.14, 91.75], [26.16, 91.75], [26.16, 91.73]]}
		]`))
	}))
	defer srv.Close()

	zones, err := New(srv.URL, 0).GetZones(context.Background())
	require.NoError(t, err)
	require.Len(t, zones, 1)
	assert.Equal(t, "z1", zones[0].ID)
}

func TestGetZones_MalformedPayload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"oops": true}`))
	}))
	defer srv.Close()

	_, err := New(srv.URL, 0).GetZones(context.Background())
	assert.Error(t, err)
}

func TestHealth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	assert.NoError(t, New(srv.URL, 0).Health(context.Background()))

	srv.Close()
	assert.Error(t, New(srv.URL, time.Second).Health(context.Background()))
}

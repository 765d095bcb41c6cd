package issuer

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"pttlink/internal/core/ports"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClient_Issue(t *testing.T) {
	var received ports.IssueRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/v1/rtc/token", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))

		_ = json.NewEncoder(w).Encode(ports.IssueResponse{
			Token:       "tok",
			ChannelName: "ptt_r1_o1",
			AppID:       "app",
			ExpiresIn:   3600,
		})
	}))
	defer server.Close()

	client := NewClient(server.URL, 5*time.Second)
	resp, err := client.Issue(context.Background(), ports.IssueRequest{
		RegionID: "r1",
		OfficeID: "o1",
		UserType: "driver",
	})

	require.NoError(t, err)
	assert.Equal(t, "tok", resp.Token)
	assert.Equal(t, "ptt_r1_o1", resp.ChannelName)
	assert.Equal(t, "r1", received.RegionID)
	assert.Equal(t, "driver", received.UserType)
}

func TestClient_Issue_ServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer server.Close()

	client := NewClient(server.URL, 5*time.Second)
	_, err := client.Issue(context.Background(), ports.IssueRequest{RegionID: "r1", OfficeID: "o1", UserType: "driver"})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "500")
}

func TestClient_Issue_TestModeResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(ports.IssueResponse{
			ChannelName: "ptt_r1_o1",
			TestMode:    true,
		})
	}))
	defer server.Close()

	client := NewClient(server.URL, 5*time.Second)
	resp, err := client.Issue(context.Background(), ports.IssueRequest{RegionID: "r1", OfficeID: "o1", UserType: "driver"})

	// The blank token travels through; classifying it as a configuration
	// error is the credential manager's job.
	require.NoError(t, err)
	assert.Empty(t, resp.Token)
	assert.True(t, resp.TestMode)
}

func TestClient_Issue_ContextCancelled(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(2 * time.Second)
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	client := NewClient(server.URL, 5*time.Second)
	_, err := client.Issue(ctx, ports.IssueRequest{RegionID: "r1", OfficeID: "o1", UserType: "driver"})
	require.Error(t, err)
}

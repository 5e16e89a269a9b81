package status

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1aeo/exitmap-dns-health-deploy/supervisor"
	"github.com/1aeo/exitmap-dns-health-deploy/testutil"
)

type staticProvider Campaign

func (p staticProvider) CampaignStatus() Campaign { return Campaign(p) }

func TestStatus(t *testing.T) {
	ctx := testutil.Context(t)

	p := staticProvider{
		RunID:      "01J0000000000000000000000",
		Mode:       "split",
		Wave:       2,
		TotalWaves: 3,
		Instances: []supervisor.Snapshot{
			{ID: "split1", State: supervisor.StateProbing, Attempts: 1, Results: 12},
			{ID: "split2", State: supervisor.StateCompleted, Attempts: 2},
		},
	}

	srv := httptest.NewServer(New(ctx, p).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var got struct {
		Mode      string `json:"mode"`
		Wave      int    `json:"wave"`
		Instances []struct {
			ID      string `json:"id"`
			State   string `json:"state"`
			Results int    `json:"results"`
		} `json:"instances"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))

	assert.Equal(t, "split", got.Mode)
	assert.Equal(t, 2, got.Wave)
	require.Len(t, got.Instances, 2)
	assert.Equal(t, "probing", got.Instances[0].State)
	assert.Equal(t, 12, got.Instances[0].Results)
	assert.Equal(t, "completed", got.Instances[1].State)
}

func TestHealthz(t *testing.T) {
	ctx := testutil.Context(t)
	srv := httptest.NewServer(New(ctx, staticProvider{}).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

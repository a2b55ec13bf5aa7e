package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	jwt "github.com/dgrijalva/jwt-go"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/pgautoctl/internal/catalog"
)

func signTestToken(t *testing.T, key []byte) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "operator"})
	signed, err := token.SignedString(key)
	require.NoError(t, err)
	return signed
}

func newTestServer(t *testing.T) (*httptest.Server, []byte) {
	t.Helper()
	store := catalog.NewMemoryStore()
	cat := catalog.New(store, nil)
	err := store.WithTx(context.Background(), func(ctx context.Context, tx catalog.Tx) error {
		return tx.UpsertFormation(catalog.Formation{FormationID: "default", Kind: catalog.FormationPlain, DBName: "postgres"})
	})
	require.NoError(t, err)

	key := []byte("test-signing-key")
	srv := NewServer(cat, key)
	return httptest.NewServer(srv.Handler()), key
}

func TestRegisterNode_RPCRoundTrip(t *testing.T) {
	ts, _ := newTestServer(t)
	defer ts.Close()

	body, _ := json.Marshal(registerNodeRequest{
		FormationID:       "default",
		NodeName:          "node_1",
		Host:              "localhost",
		Port:              9876,
		CandidatePriority: 100,
		ReplicationQuorum: true,
	})
	resp, err := http.Post(ts.URL+"/rpc/nodes", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var assignment catalog.Assignment
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&assignment))
	require.Equal(t, catalog.StateSingle, assignment.GoalState)
	require.Equal(t, int64(1), assignment.NodeID)
}

func TestGetPrimary_RequiresBearerToken(t *testing.T) {
	ts, _ := newTestServer(t)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/formations/default/primary")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestGetPrimary_ErrorsWhenGroupEmpty(t *testing.T) {
	ts, key := newTestServer(t)
	defer ts.Close()

	token := signTestToken(t, key)
	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/formations/default/primary", nil)
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusConflict, resp.StatusCode)
}

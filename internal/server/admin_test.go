package server

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/gatebox-dev/gatebox/internal/config"
	"github.com/gatebox-dev/gatebox/internal/policy"
	"github.com/gatebox-dev/gatebox/internal/policy/builtin"
	"github.com/gatebox-dev/gatebox/internal/protocol"
)

func TestPolicyEndpoints(t *testing.T) {
	srv := newTestServer(t, &stubProvider{}, nil)

	w := doJSON(t, srv, http.MethodGet, "/api/policy", testToken, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, builtin.PolicyPassthrough, gjson.Get(w.Body.String(), "name").String())
	assert.Equal(t, policy.SourceDefault, gjson.Get(w.Body.String(), "source").String())

	// An unknown policy must not unseat the running one.
	w = doJSON(t, srv, http.MethodPut, "/api/policy", testToken, map[string]any{"name": "no_such_policy"})
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, protocol.ErrTypeInvalidRequest, gjson.Get(w.Body.String(), "error.type").String())
	assert.Equal(t, builtin.PolicyPassthrough, srv.policies.Active().Name)

	w = doJSON(t, srv, http.MethodPut, "/api/policy", testToken, map[string]any{"name": "upper_test"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "upper_test", gjson.Get(w.Body.String(), "name").String())
	assert.Equal(t, policy.SourceAdmin, gjson.Get(w.Body.String(), "source").String())

	w = doJSON(t, srv, http.MethodGet, "/api/policy", testToken, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "upper_test", gjson.Get(w.Body.String(), "name").String())

	w = doJSON(t, srv, http.MethodPut, "/api/policy", testToken, map[string]any{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPolicyStorePersistence(t *testing.T) {
	srv := newTestServer(t, &stubProvider{}, func(cfg *config.Config) {
		require.NoError(t, cfg.SetPolicy(config.Policy{Source: config.PolicySourceStore}))
	})

	// An empty store falls back to passthrough at startup.
	active := srv.policies.Active()
	require.NotNil(t, active)
	assert.Equal(t, builtin.PolicyPassthrough, active.Name)
	assert.Equal(t, policy.SourceDefault, active.Source)

	w := doJSON(t, srv, http.MethodPut, "/api/policy", testToken, map[string]any{"name": "upper_test"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, policy.SourceStore, gjson.Get(w.Body.String(), "source").String())

	// The swap is durable: the row a restart would load is the one running.
	row, err := srv.Store().Policies.Active()
	require.NoError(t, err)
	assert.Equal(t, "upper_test", row.Name)
	assert.True(t, row.Enabled)
}

func TestTransactionEndpoints(t *testing.T) {
	src := newScriptedSource(
		protocol.NewContentChunk("chatcmpl-1", "gpt-4o", "Hello"),
		protocol.NewFinishChunk("chatcmpl-1", "gpt-4o", protocol.FinishReasonStop),
	)
	srv := newTestServer(t, &stubProvider{source: src}, nil)

	w := doJSON(t, srv, http.MethodPost, "/v1/chat/completions", testToken, chatBody("gpt-4o", true))
	require.Equal(t, http.StatusOK, w.Code)
	header := lastTransaction(t, srv)
	waitForRecords(t, srv, header.TxID, 7)

	w = doJSON(t, srv, http.MethodGet, "/api/transactions", testToken, nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Equal(t, int64(1), gjson.Get(body, "count").Int())
	assert.Equal(t, header.TxID, gjson.Get(body, "transactions.0.tx_id").String())
	assert.Equal(t, "ended", gjson.Get(body, "transactions.0.state").String())

	w = doJSON(t, srv, http.MethodGet, "/api/transactions?limit=oops", testToken, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(t, srv, http.MethodGet, "/api/transactions/"+header.TxID+"/records", testToken, nil)
	require.Equal(t, http.StatusOK, w.Code)
	body = w.Body.String()
	assert.Equal(t, header.TxID, gjson.Get(body, "transaction_id").String())
	records := gjson.Get(body, "records").Array()
	require.GreaterOrEqual(t, len(records), 7)
	for i, rec := range records {
		assert.Equal(t, int64(i+1), rec.Get("sequence").Int())
		assert.True(t, rec.Get("payload").Exists())
	}
	assert.Equal(t, "client_request_received", records[0].Get("payload.stage").String())

	w = doJSON(t, srv, http.MethodGet, "/api/transactions/tx_missing/records", testToken, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestVersionEndpoint(t *testing.T) {
	srv := newTestServer(t, &stubProvider{}, nil, WithVersion("1.2.3"))

	w := doJSON(t, srv, http.MethodGet, "/api/version", testToken, nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Equal(t, "1.2.3", gjson.Get(body, "version").String())

	var names []string
	for _, p := range gjson.Get(body, "policies").Array() {
		names = append(names, p.String())
	}
	assert.Contains(t, names, builtin.PolicyPassthrough)
	assert.Contains(t, names, "upper_test")
}

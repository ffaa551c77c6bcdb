package agent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/songzhibin97/procurement-engine/action"
	"github.com/songzhibin97/procurement-engine/types"
)

func TestHTTPOracle(t *testing.T) {
	var got proposeRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer s3cret", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"calls":[{"id":"c1","name":"search_products","args":{"query":"gloves"}}]}`))
	}))
	defer srv.Close()

	o := NewHTTPOracle(srv.URL, "s3cret", time.Second)
	p, err := o.Propose(context.Background(), "You are a buyer.",
		[]Turn{{Role: RoleUser, Content: "find gloves"}},
		[]ToolSpec{{Name: action.SearchProducts, Description: "search"}})
	require.NoError(t, err)
	require.Len(t, p.Calls, 1)
	assert.Equal(t, action.SearchProducts, p.Calls[0].Name)
	assert.JSONEq(t, `{"query":"gloves"}`, string(p.Calls[0].Args))

	assert.Equal(t, "You are a buyer.", got.Prompt)
	require.Len(t, got.History, 1)
	assert.Equal(t, "find gloves", got.History[0].Content)
	require.Len(t, got.Tools, 1)
}

func TestHTTPOracle_Errors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   error
	}{
		{"unavailable", http.StatusBadGateway, "", types.ErrTransientIO},
		{"rejected", http.StatusUnauthorized, `{"error":"bad token"}`, types.ErrFatalConfiguration},
		{"garbage", http.StatusOK, "not json", types.ErrFatalConfiguration},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			_, err := NewHTTPOracle(srv.URL, "", time.Second).Propose(context.Background(), "p", nil, nil)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

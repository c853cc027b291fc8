package outbox

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSchemaRegistryRegistersJSONSchema(t *testing.T) {
	var gotPath, gotType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.EscapedPath()
		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		gotType = body["schemaType"]
		w.Header().Set("Content-Type", "application/vnd.schemaregistry.v1+json")
		_, _ = w.Write([]byte(`{"id":17}`))
	}))
	defer srv.Close()

	client := NewSchemaRegistryClient(srv.URL + "/")
	id, err := client.EnsureSchema(context.Background(), "class_session_events-class.session_started", sessionStartedSchema)
	require.NoError(t, err)
	require.Equal(t, 17, id)
	require.Equal(t, "/subjects/class_session_events-class.session_started/versions", gotPath)
	require.Equal(t, "JSON", gotType)
}

func TestSchemaRegistryReportsErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error_code":409,"message":"incompatible schema"}`))
	}))
	defer srv.Close()

	client := NewSchemaRegistryClient(srv.URL)
	_, err := client.EnsureSchema(context.Background(), "subject", "{}")

	var regErr *RegistryError
	require.ErrorAs(t, err, &regErr)
	require.Equal(t, http.StatusConflict, regErr.Status)
	require.Equal(t, 409, regErr.Code)
	require.Equal(t, "incompatible schema", regErr.Message)
}

func TestSchemaRegistryRejectsMissingID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	_, err := NewSchemaRegistryClient(srv.URL).EnsureSchema(context.Background(), "subject", "{}")
	require.ErrorContains(t, err, "registry returned id 0")
}

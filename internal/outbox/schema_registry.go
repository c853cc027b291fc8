package outbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const registryContentType = "application/vnd.schemaregistry.v1+json"

// RegistryError is a non-2xx answer from the schema registry.
type RegistryError struct {
	Status  int
	Code    int    `json:"error_code"`
	Message string `json:"message"`
}

func (e *RegistryError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("schema registry: status %d", e.Status)
	}
	return fmt.Sprintf("schema registry: status %d (code %d): %s", e.Status, e.Code, e.Message)
}

// SchemaRegistryClient registers the JSON schemas of class session events.
type SchemaRegistryClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewSchemaRegistryClient returns a client for the registry at baseURL.
func NewSchemaRegistryClient(baseURL string) *SchemaRegistryClient {
	return &SchemaRegistryClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// EnsureSchema registers schema under subject and returns its id. The registry answers
// with the existing id when the subject already holds an identical schema, so repeated
// calls are safe.
func (c *SchemaRegistryClient) EnsureSchema(ctx context.Context, subject string, schema string) (int, error) {
	body, err := json.Marshal(struct {
		SchemaType string `json:"schemaType"`
		Schema     string `json:"schema"`
	}{SchemaType: "JSON", Schema: schema})
	if err != nil {
		return 0, err
	}

	var registered struct {
		ID int `json:"id"`
	}
	path := "/subjects/" + url.PathEscape(subject) + "/versions"
	if err := c.post(ctx, path, body, &registered); err != nil {
		return 0, fmt.Errorf("register %s: %w", subject, err)
	}
	if registered.ID <= 0 {
		return 0, fmt.Errorf("register %s: registry returned id %d", subject, registered.ID)
	}
	return registered.ID, nil
}

func (c *SchemaRegistryClient) post(ctx context.Context, path string, body []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", registryContentType)
	req.Header.Set("Accept", registryContentType)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		regErr := &RegistryError{Status: resp.StatusCode}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		if json.Unmarshal(raw, regErr) != nil {
			regErr.Message = string(bytes.TrimSpace(raw))
		}
		return regErr
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

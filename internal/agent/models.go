package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sxhxliang/frpx/internal/protocol"
)

const modelsFetchTimeout = 3 * time.Second

// modelsDocument is the OpenAI-compatible /v1/models list shape.
type modelsDocument struct {
	Data []protocol.Model `json:"data"`
}

// FetchModels queries the local service's /v1/models endpoint and returns
// the advertised models. A service without the endpoint, or not an inference
// service at all, yields an error the caller treats as "no models".
func FetchModels(ctx context.Context, localAddr string) ([]protocol.Model, error) {
	ctx, cancel := context.WithTimeout(ctx, modelsFetchTimeout)
	defer cancel()

	url := fmt.Sprintf("http://%s/v1/models", localAddr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("agent: build models request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("agent: fetch models: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("agent: models endpoint returned %s", resp.Status)
	}

	var doc modelsDocument
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("agent: decode models response: %w", err)
	}
	return doc.Data, nil
}

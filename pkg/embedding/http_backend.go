package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/robehgc/hitl-pipeline/pkg/hitlerr"
)

// httpClient is shared across calls; a locally hosted embedding server is
// expected to respond well within this budget.
var httpClient = &http.Client{Timeout: 5 * time.Second}

type localEmbedRequest struct {
	Text string `json:"text"`
}

type localEmbedResponse struct {
	Embedding []float32 `json:"embedding"`
}

// HTTPLocalEmbed is the default LocalBackend.do implementation: it POSTs
// {"text": ...} to endpoint and expects {"embedding": [...]} back, the same
// contract the original local_embeddings_service.py exposed.
func HTTPLocalEmbed(ctx context.Context, endpoint, text string) (Vector, error) {
	body, err := json.Marshal(localEmbedRequest{Text: text})
	if err != nil {
		return nil, hitlerr.Failure("encoding local embedding request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, hitlerr.Failure("building local embedding request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, hitlerr.Transient("calling local embedding service", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, hitlerr.Transient("local embedding service returned non-200", nil)
	}

	var out localEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, hitlerr.Failure("decoding local embedding response", err)
	}
	return out.Embedding, nil
}

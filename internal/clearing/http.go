package clearing

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/zeebo/errs"

	"github.com/xtrntr/settlement/internal/models"
)

// HTTPClient talks to a remote clearing venue over its JSON API
type HTTPClient struct {
	endpoint string
	apiKey   string
	http     *http.Client
}

// NewHTTPClient creates a venue client. httpClient may be nil.
func NewHTTPClient(endpoint, apiKey string, httpClient *http.Client) *HTTPClient {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &HTTPClient{endpoint: endpoint, apiKey: apiKey, http: httpClient}
}

// Submit implements Client. A 200 with status ACCEPTED is success; a
// REJECTED body or a 422 is ErrRejected; anything else is Error.
func (c *HTTPClient) Submit(ctx context.Context, sub Submission) (_ models.ClearingResult, err error) {
	defer mon.Task()(&ctx)(&err)

	body, err := json.Marshal(sub)
	if err != nil {
		return models.ClearingResult{}, Error.Wrap(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/orders", bytes.NewReader(body))
	if err != nil {
		return models.ClearingResult{}, Error.Wrap(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return models.ClearingResult{}, Error.Wrap(err)
	}
	defer func() {
		// an accepted result stands even if the body fails to close
		if cerr := resp.Body.Close(); cerr != nil && err != nil {
			err = errs.Combine(err, Error.Wrap(cerr))
		}
	}()

	var res models.ClearingResult
	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated, http.StatusUnprocessableEntity:
		if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
			return models.ClearingResult{}, Error.Wrap(err)
		}
	default:
		var data struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&data)
		if data.Error == "" {
			data.Error = "unexpected status " + strconv.Itoa(resp.StatusCode)
		}
		return models.ClearingResult{}, Error.New("%s", data.Error)
	}

	if resp.StatusCode == http.StatusUnprocessableEntity || res.Status == models.ClearingRejected {
		return models.ClearingResult{}, ErrRejected.New("%s", res.Message)
	}
	if res.Status != models.ClearingAccepted || res.ExternalID == "" {
		return models.ClearingResult{}, Error.New("malformed response for order %s: status %q", sub.OrderID, res.Status)
	}
	return res, nil
}

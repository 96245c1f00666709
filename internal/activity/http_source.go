package activity

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/raysh454/deployproxy/internal/webclient"
)

// HTTPSource reads the audit log through the console's REST API.
type HTTPSource struct {
	baseURL string
	token   string
	wc      webclient.WebClient
}

func NewHTTPSource(baseURL, token string, wc webclient.WebClient) (*HTTPSource, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("console url is required")
	}
	if wc == nil {
		return nil, fmt.Errorf("web client is nil")
	}
	return &HTTPSource{baseURL: baseURL, token: strings.TrimSpace(token), wc: wc}, nil
}

type activityPage struct {
	Data []struct {
		ID         json.Number `json:"id"`
		Action     string      `json:"action"`
		Collection string      `json:"collection"`
		Timestamp  string      `json:"timestamp"`
	} `json:"data"`
}

func (s *HTTPSource) Query(ctx context.Context, q Query) ([]Record, error) {
	params := url.Values{}
	params.Set("filter", q.Filter.MarshalQuery())
	params.Set("sort", "-timestamp")
	params.Set("fields", "id,action,collection,timestamp")
	if q.Limit > 0 {
		params.Set("limit", strconv.Itoa(q.Limit))
	}

	req := &webclient.Request{
		Method:  http.MethodGet,
		URL:     s.baseURL + "/activity?" + params.Encode(),
		Headers: http.Header{},
	}
	req.Headers.Set("Accept", "application/json")
	if s.token != "" {
		req.Headers.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.wc.Do(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("query console activity: %w", err)
	}
	if !resp.OK() {
		return nil, fmt.Errorf("query console activity: status %d", resp.StatusCode)
	}
	var page activityPage
	if err := json.Unmarshal(resp.Body, &page); err != nil {
		return nil, fmt.Errorf("decode console activity: %w", err)
	}

	out := make([]Record, 0, len(page.Data))
	for _, d := range page.Data {
		id, err := d.ID.Int64()
		if err != nil {
			return nil, fmt.Errorf("decode console activity id %q: %w", d.ID, err)
		}
		out = append(out, Record{
			ID:         id,
			Action:     d.Action,
			Collection: d.Collection,
			Timestamp:  parseTimestamp(d.Timestamp),
		})
	}
	return out, nil
}

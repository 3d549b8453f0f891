// Package tracker speaks the remote work-item store protocol: single-item
// reads with collection summaries, full collection reads, and the three
// mutation calls. Nothing above this package sees the store's wire format.
package tracker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/jrpool/rallytree-sub000/internal/model"
)

// API is the full surface the traversal engine and the operations consume.
type API interface {
	GetItem(ctx context.Context, ref model.Ref, fields []string, collections []string) (model.Node, error)
	GetCollection(ctx context.Context, collectionRef string, fields []string, collections []string) ([]model.Node, error)
	Create(ctx context.Context, itemType string, fields map[string]any) (model.Ref, error)
	Update(ctx context.Context, ref model.Ref, fields map[string]any) error
	AddToCollection(ctx context.Context, ref model.Ref, collection string, members []model.Ref) error
	QueryByName(ctx context.Context, itemType string, name string) ([]model.Ref, error)
}

type Client struct {
	baseURL  string
	apiKey   string
	pageSize int
	client   *http.Client
}

func NewClient(baseURL string, apiKey string, timeout time.Duration, pageSize int) *Client {
	baseURL = strings.TrimSpace(baseURL)
	baseURL = strings.TrimRight(baseURL, "/")
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	if pageSize <= 0 {
		pageSize = 200
	}
	return &Client{
		baseURL:  baseURL,
		apiKey:   strings.TrimSpace(apiKey),
		pageSize: pageSize,
		client:   &http.Client{Timeout: timeout},
	}
}

func (c *Client) itemURL(ref model.Ref) string {
	return c.baseURL + "/" + ref.Type + "/" + ref.ID
}

func (c *Client) GetItem(ctx context.Context, ref model.Ref, fields []string, collections []string) (model.Node, error) {
	if ref.Empty() {
		return model.Node{}, fmt.Errorf("get item: reference is empty")
	}
	query := map[string]string{}
	if fetch := fetchList(fields, collections); fetch != "" {
		query["fetch"] = fetch
	}
	var response struct {
		Item map[string]any `json:"item"`
	}
	if err := c.doJSON(ctx, http.MethodGet, c.itemURL(ref), query, nil, &response); err != nil {
		return model.Node{}, err
	}
	if response.Item == nil {
		return model.Node{}, fmt.Errorf("get item %s/%s: empty response", ref.Type, ref.ID)
	}
	return decodeNode(response.Item, fields, collections), nil
}

// GetCollection materializes the full contents of a named collection. An
// empty locator yields the empty sequence without a remote call. Paging, when
// the store pages, is absorbed here: pages are fetched sequentially until the
// reported total is reached.
func (c *Client) GetCollection(ctx context.Context, collectionRef string, fields []string, collections []string) ([]model.Node, error) {
	collectionRef = strings.TrimSpace(collectionRef)
	if collectionRef == "" {
		return nil, nil
	}
	var nodes []model.Node
	start := 1
	for {
		query := map[string]string{
			"start":    strconv.Itoa(start),
			"pagesize": strconv.Itoa(c.pageSize),
		}
		if fetch := fetchList(fields, collections); fetch != "" {
			query["fetch"] = fetch
		}
		var response struct {
			Results []map[string]any `json:"results"`
			Total   int              `json:"total"`
		}
		if err := c.doJSON(ctx, http.MethodGet, collectionRef, query, nil, &response); err != nil {
			return nil, err
		}
		for _, item := range response.Results {
			nodes = append(nodes, decodeNode(item, fields, collections))
		}
		if len(response.Results) == 0 || len(nodes) >= response.Total {
			return nodes, nil
		}
		start += c.pageSize
	}
}

func (c *Client) Create(ctx context.Context, itemType string, fields map[string]any) (model.Ref, error) {
	var response struct {
		Ref string `json:"ref"`
	}
	body := map[string]any{"fields": c.encodeFields(fields)}
	if err := c.doJSON(ctx, http.MethodPost, c.baseURL+"/"+itemType, nil, body, &response); err != nil {
		return model.Ref{}, err
	}
	ref, err := model.Normalize(itemType, response.Ref)
	if err != nil {
		return model.Ref{}, fmt.Errorf("create %s: malformed reference %q", itemType, response.Ref)
	}
	return ref, nil
}

func (c *Client) Update(ctx context.Context, ref model.Ref, fields map[string]any) error {
	if ref.Empty() {
		return fmt.Errorf("update: reference is empty")
	}
	body := map[string]any{"fields": c.encodeFields(fields)}
	return c.doJSON(ctx, http.MethodPost, c.itemURL(ref), nil, body, nil)
}

func (c *Client) AddToCollection(ctx context.Context, ref model.Ref, collection string, members []model.Ref) error {
	if ref.Empty() {
		return fmt.Errorf("add to collection: reference is empty")
	}
	if len(members) == 0 {
		return nil
	}
	encoded := make([]map[string]string, 0, len(members))
	for _, member := range members {
		encoded = append(encoded, map[string]string{"_ref": c.itemURL(member)})
	}
	body := map[string]any{"members": encoded}
	return c.doJSON(ctx, http.MethodPost, c.itemURL(ref)+"/"+collection+"/add", nil, body, nil)
}

func (c *Client) QueryByName(ctx context.Context, itemType string, name string) ([]model.Ref, error) {
	query := map[string]string{
		"name":     strings.TrimSpace(name),
		"pagesize": strconv.Itoa(c.pageSize),
	}
	var response struct {
		Results []map[string]any `json:"results"`
	}
	if err := c.doJSON(ctx, http.MethodGet, c.baseURL+"/"+itemType, query, nil, &response); err != nil {
		return nil, err
	}
	refs := make([]model.Ref, 0, len(response.Results))
	for _, item := range response.Results {
		raw, _ := item["_ref"].(string)
		ref, err := model.Normalize(itemType, raw)
		if err != nil {
			return nil, fmt.Errorf("query %s by name: malformed reference %q", itemType, raw)
		}
		refs = append(refs, ref)
	}
	return refs, nil
}

// encodeFields rewrites model.Ref values into locator objects; everything
// else passes through untouched.
func (c *Client) encodeFields(fields map[string]any) map[string]any {
	encoded := make(map[string]any, len(fields))
	for key, value := range fields {
		if ref, ok := value.(model.Ref); ok {
			if ref.Empty() {
				encoded[key] = nil
				continue
			}
			encoded[key] = map[string]string{"_ref": c.itemURL(ref)}
			continue
		}
		encoded[key] = value
	}
	return encoded
}

func (c *Client) doJSON(ctx context.Context, method string, fullURL string, query map[string]string, body any, out any) error {
	if ctx == nil {
		ctx = context.Background()
	}
	parsed, err := url.Parse(fullURL)
	if err != nil {
		return err
	}
	if len(query) > 0 {
		values := parsed.Query()
		for key, value := range query {
			values.Set(key, value)
		}
		parsed.RawQuery = values.Encode()
	}

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(encoded)
	}
	request, err := http.NewRequestWithContext(ctx, method, parsed.String(), reader)
	if err != nil {
		return err
	}
	request.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		request.Header.Set("X-Api-Key", c.apiKey)
	}
	if method == http.MethodPost || method == http.MethodPut || method == http.MethodPatch {
		request.Header.Set("Content-Type", "application/json")
	}
	response, err := c.client.Do(request)
	if err != nil {
		return err
	}
	defer response.Body.Close()
	if response.StatusCode < 200 || response.StatusCode >= 300 {
		payload, _ := io.ReadAll(io.LimitReader(response.Body, 4096))
		return decodeStoreError(response.StatusCode, payload)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(response.Body).Decode(out)
}

func decodeStoreError(status int, payload []byte) error {
	var wrapper struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(payload, &wrapper); err == nil && strings.TrimSpace(wrapper.Error.Code) != "" {
		return fmt.Errorf("%s (http %d): %s", wrapper.Error.Code, status, strings.TrimSpace(wrapper.Error.Message))
	}
	return fmt.Errorf("http %d: %s", status, strings.TrimSpace(string(payload)))
}

func fetchList(fields []string, collections []string) string {
	parts := make([]string, 0, len(fields)+len(collections))
	parts = append(parts, fields...)
	parts = append(parts, collections...)
	return strings.Join(parts, ",")
}

// decodeNode splits a raw item payload into the requested scalar fields and
// the requested collection summaries.
func decodeNode(item map[string]any, fields []string, collections []string) model.Node {
	rawRef, _ := item["_ref"].(string)
	node := model.Node{
		RawRef:      rawRef,
		Fields:      map[string]any{},
		Collections: map[string]model.CollectionSummary{},
	}
	node.Ref = refFromLocator(rawRef)
	for _, name := range fields {
		if value, ok := item[name]; ok {
			node.Fields[name] = value
		}
	}
	for _, name := range collections {
		summary, ok := item[name].(map[string]any)
		if !ok {
			continue
		}
		count := 0
		if n, ok := summary["Count"].(float64); ok {
			count = int(n)
		}
		ref, _ := summary["_ref"].(string)
		node.Collections[name] = model.CollectionSummary{Count: count, Ref: ref}
	}
	return node
}

// refFromLocator derives (type, id) from an absolute item locator, whose last
// two path segments are the item type and the numeric id.
func refFromLocator(raw string) model.Ref {
	trimmed := strings.TrimRight(strings.TrimSpace(raw), "/")
	segments := strings.Split(trimmed, "/")
	if len(segments) < 2 {
		return model.Ref{}
	}
	itemType := segments[len(segments)-2]
	ref, err := model.Normalize(itemType, trimmed)
	if err != nil {
		return model.Ref{}
	}
	return ref
}

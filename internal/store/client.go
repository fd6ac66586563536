// Package store talks to the hosted persistence backend over its
// PostgREST-style API. The realtime channel delivers messages live;
// this client is how they become rows.
package store

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

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"

	"github.com/vitalink/realtime/internal/proto"
)

var log = logging.Logger("store")

const messagesTable = "messages"

// Message is one row of the messages table, in the same JSON shape the
// channel broadcasts.
type Message struct {
	ID       string `json:"id,omitempty"`
	RoomID   string `json:"chatRoomId"`
	SenderID string `json:"senderId"`
	Content  string `json:"content"`
	Type     string `json:"messageType"`
	FileName string `json:"fileName,omitempty"`
	FileURL  string `json:"fileUrl,omitempty"`
	FileSize int64  `json:"fileSize,omitempty"`
	TS       int64  `json:"timestamp"`
	Read     bool   `json:"read"`
}

// MessagesQuery selects a page of rows, newest first.
type MessagesQuery struct {
	RoomID string
	Limit  int
	Offset int
	// Before keeps only rows with timestamp strictly below it. Zero
	// means no bound.
	Before int64
}

// Client wraps the backend REST API. An empty base URL disables
// persistence: writes succeed locally and queries come back empty,
// which is what single-host setups without a backend want.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

// Enabled reports whether a backend is configured.
func (c *Client) Enabled() bool { return c.baseURL != "" }

// do runs one REST request and returns the response body. rangeHdr, if
// set, is an items range like "0-49" for paginated reads.
func (c *Client) do(ctx context.Context, method, table string, query url.Values, body any, rangeHdr string) ([]byte, error) {
	var reqBody io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, proto.Wrap(proto.KindValidation, "store", err)
		}
		reqBody = bytes.NewReader(b)
	}

	u := c.baseURL + "/rest/v1/" + table
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reqBody)
	if err != nil {
		return nil, proto.Wrap(proto.KindValidation, "store", err)
	}
	req.Header.Set("apikey", c.apiKey)
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	if method != http.MethodGet {
		req.Header.Set("Prefer", "return=representation")
	}
	if rangeHdr != "" {
		req.Header.Set("Range-Unit", "items")
		req.Header.Set("Range", rangeHdr)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, proto.Wrap(proto.KindTransport, "store", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, proto.Wrap(proto.KindTransport, "store", err)
	}
	if resp.StatusCode/100 != 2 {
		kind := proto.KindTransport
		if resp.StatusCode/100 == 4 {
			kind = proto.KindValidation
		}
		return nil, proto.E(kind, "store",
			fmt.Sprintf("%s %s: status %d: %s", method, table, resp.StatusCode, respBody))
	}
	return respBody, nil
}

// InsertMessage writes one row and returns it as the backend stored it.
func (c *Client) InsertMessage(ctx context.Context, msg Message) (Message, error) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.TS == 0 {
		msg.TS = proto.NowMillis()
	}
	if !c.Enabled() {
		return msg, nil
	}

	respBody, err := c.do(ctx, http.MethodPost, messagesTable, nil, msg, "")
	if err != nil {
		return Message{}, err
	}
	var rows []Message
	if err := json.Unmarshal(respBody, &rows); err != nil {
		return Message{}, proto.Wrap(proto.KindTransport, "store", err)
	}
	if len(rows) == 0 {
		// Prefer return=representation should echo the row; fall back to
		// what was sent.
		return msg, nil
	}
	return rows[0], nil
}

// UpdateMessages patches every row whose id is in ids.
func (c *Client) UpdateMessages(ctx context.Context, ids []string, patch map[string]any) error {
	if len(ids) == 0 || len(patch) == 0 {
		return nil
	}
	if !c.Enabled() {
		return nil
	}
	query := url.Values{}
	if len(ids) == 1 {
		query.Set("id", "eq."+ids[0])
	} else {
		query.Set("id", "in.("+strings.Join(ids, ",")+")")
	}
	_, err := c.do(ctx, http.MethodPatch, messagesTable, query, patch, "")
	return err
}

// Messages returns a page of rows for q, newest first.
func (c *Client) Messages(ctx context.Context, q MessagesQuery) ([]Message, error) {
	if q.RoomID == "" {
		return nil, proto.E(proto.KindValidation, "store", "room id is required")
	}
	if !c.Enabled() {
		return nil, nil
	}

	query := url.Values{}
	query.Set("chatRoomId", "eq."+q.RoomID)
	query.Set("order", "timestamp.desc")
	if q.Before > 0 {
		query.Set("timestamp", fmt.Sprintf("lt.%d", q.Before))
	}
	rangeHdr := ""
	if q.Limit > 0 {
		rangeHdr = fmt.Sprintf("%d-%d", q.Offset, q.Offset+q.Limit-1)
	} else if q.Offset > 0 {
		rangeHdr = fmt.Sprintf("%d-", q.Offset)
	}

	respBody, err := c.do(ctx, http.MethodGet, messagesTable, query, nil, rangeHdr)
	if err != nil {
		return nil, err
	}
	var rows []Message
	if err := json.Unmarshal(respBody, &rows); err != nil {
		return nil, proto.Wrap(proto.KindTransport, "store", err)
	}
	log.Debugf("fetched %d messages for room %s", len(rows), q.RoomID)
	return rows, nil
}

package signaling

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/vitalink/realtime/internal/proto"
	"github.com/vitalink/realtime/internal/util"
)

// ICEServer mirrors the RTCIceServer shape the config service returns.
type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

// DefaultSTUN is the fallback when no ICE config is reachable and the
// operator configured nothing else.
var DefaultSTUN = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

// FallbackICEServers wraps plain STUN urls as a server list.
func FallbackICEServers(urls []string) []ICEServer {
	if len(urls) == 0 {
		urls = DefaultSTUN
	}
	return []ICEServer{{URLs: urls}}
}

// Endpoint talks to the hosted signaling endpoints: the ICE config
// service and the HTTP signal relay.
type Endpoint struct {
	ConfigURL string
	RelayURL  string
	APIKey    string
	HTTP      *http.Client
}

func NewEndpoint(configURL, relayURL, apiKey string) *Endpoint {
	return &Endpoint{
		ConfigURL: configURL,
		RelayURL:  relayURL,
		APIKey:    apiKey,
		HTTP:      &http.Client{Timeout: 10 * time.Second},
	}
}

func (e *Endpoint) auth(req *http.Request) {
	if e.APIKey != "" {
		req.Header.Set("apikey", e.APIKey)
		req.Header.Set("Authorization", "Bearer "+e.APIKey)
	}
}

// FetchICEConfig asks the config service for ICE servers. The fetch is
// bounded by its own short timeout and any failure falls back to the
// STUN list: call setup never blocks on this call.
func (e *Endpoint) FetchICEConfig(ctx context.Context, fallback []string) []ICEServer {
	ctx, cancel := context.WithTimeout(ctx, util.DefaultFetchTimeout)
	defer cancel()
	servers, err := e.fetchICE(ctx)
	if err != nil {
		log.Warnf("ice config fetch failed, using STUN fallback: %v", err)
		return FallbackICEServers(fallback)
	}
	if len(servers) == 0 {
		return FallbackICEServers(fallback)
	}
	return servers
}

func (e *Endpoint) fetchICE(ctx context.Context) ([]ICEServer, error) {
	if e.ConfigURL == "" {
		return nil, fmt.Errorf("no ice config url")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.ConfigURL, nil)
	if err != nil {
		return nil, err
	}
	e.auth(req)

	resp, err := e.HTTP.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("GET %s: status %s", e.ConfigURL, resp.Status)
	}
	var body struct {
		ICEServers []ICEServer `json:"iceServers"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, err
	}
	return body.ICEServers, nil
}

// PostSignal hands one signal to the HTTP relay. A 4xx is a validation
// error and must not be retried; everything else that fails is a
// transport error.
func (e *Endpoint) PostSignal(ctx context.Context, sig proto.SignalPayload) error {
	if e.RelayURL == "" {
		return proto.E(proto.KindConfig, "signal.post", "no relay url configured")
	}
	b, err := json.Marshal(sig)
	if err != nil {
		return proto.Wrap(proto.KindValidation, "signal.post", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.RelayURL, bytes.NewReader(b))
	if err != nil {
		return proto.Wrap(proto.KindValidation, "signal.post", err)
	}
	req.Header.Set("Content-Type", "application/json")
	e.auth(req)

	resp, err := e.HTTP.Do(req)
	if err != nil {
		return proto.Wrap(proto.KindTransport, "signal.post", err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	if resp.StatusCode/100 == 4 {
		return proto.E(proto.KindValidation, "signal.post", "relay rejected signal: "+resp.Status)
	}
	if resp.StatusCode/100 != 2 {
		return proto.E(proto.KindTransport, "signal.post", "relay status "+resp.Status)
	}
	return nil
}

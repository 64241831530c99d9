package directory

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const defaultRequestTimeout = 5 * time.Second

type (
	ClientConfig struct {
		Logger *zerolog.Logger
		// URL is the directory API base, e.g. http://localhost:8080.
		URL        string
		HTTPClient *http.Client
	}

	// Client talks to the directory HTTP API.
	Client struct {
		base   string
		http   *http.Client
		logger zerolog.Logger
	}

	registerRequest struct {
		Code        string `json:"room_code"`
		HostAddress string `json:"host_address"`
	}

	joinRequest struct {
		PeerAddress string `json:"peer_address"`
	}

	roomResponse struct {
		Code        string `json:"room_code"`
		HostAddress string `json:"host_address"`
	}

	genericResponse struct {
		Message string          `json:"message,omitempty"`
		Error   string          `json:"error,omitempty"`
		Data    json.RawMessage `json:"data,omitempty"`
	}
)

func NewClient(cfg ClientConfig) *Client {
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: defaultRequestTimeout}
	}
	logger := cfg.Logger
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &Client{
		base:   strings.TrimSuffix(cfg.URL, "/"),
		http:   hc,
		logger: logger.With().Str("component", "directory-client").Logger(),
	}
}

func (c *Client) Register(ctx context.Context, code, hostAddr string) error {
	status, _, err := c.do(ctx, http.MethodPost, "/api/rooms", registerRequest{Code: code, HostAddress: hostAddr})
	if err != nil {
		return err
	}
	switch status {
	case http.StatusCreated, http.StatusOK:
		return nil
	case http.StatusConflict:
		return ErrCodeTaken
	default:
		return fmt.Errorf("%w: %d", ErrUnexpected, status)
	}
}

func (c *Client) Resolve(ctx context.Context, code, peer string) (string, error) {
	status, resp, err := c.do(ctx, http.MethodPost, "/api/rooms/"+url.PathEscape(code)+"/join", joinRequest{PeerAddress: peer})
	if err != nil {
		return "", err
	}
	switch status {
	case http.StatusOK:
	case http.StatusNotFound:
		return "", ErrRoomNotFound
	case http.StatusConflict:
		return "", ErrRoomFull
	default:
		return "", fmt.Errorf("%w: %d", ErrUnexpected, status)
	}

	var room roomResponse
	if err = json.Unmarshal(resp.Data, &room); err != nil || room.HostAddress == "" {
		return "", errors.Join(ErrUnexpected, err)
	}
	return room.HostAddress, nil
}

func (c *Client) Leave(ctx context.Context, code, peer string) error {
	status, _, err := c.do(ctx, http.MethodPost, "/api/rooms/"+url.PathEscape(code)+"/leave", joinRequest{PeerAddress: peer})
	if err != nil {
		return err
	}
	switch status {
	case http.StatusOK, http.StatusNoContent:
		return nil
	case http.StatusNotFound:
		return ErrRoomNotFound
	case http.StatusForbidden:
		return ErrNotHost
	default:
		return fmt.Errorf("%w: %d", ErrUnexpected, status)
	}
}

func (c *Client) Unregister(ctx context.Context, code, hostAddr string) error {
	status, _, err := c.do(ctx, http.MethodDelete, "/api/rooms/"+url.PathEscape(code), registerRequest{HostAddress: hostAddr})
	if err != nil {
		return err
	}
	switch status {
	case http.StatusOK, http.StatusNoContent:
		return nil
	case http.StatusNotFound:
		return ErrRoomNotFound
	case http.StatusForbidden:
		return ErrNotHost
	default:
		return fmt.Errorf("%w: %d", ErrUnexpected, status)
	}
}

func (c *Client) do(ctx context.Context, method, path string, body any) (int, *genericResponse, error) {
	b, err := json.Marshal(body)
	if err != nil {
		return 0, nil, err
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, bytes.NewReader(b))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := c.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer func() {
		_ = res.Body.Close()
	}()

	raw, err := io.ReadAll(res.Body)
	if err != nil {
		return 0, nil, err
	}
	var gr genericResponse
	if len(raw) > 0 {
		if err = json.Unmarshal(raw, &gr); err != nil {
			c.logger.Debug().Err(err).Int("status", res.StatusCode).Msg("non-json directory response")
		}
	}
	c.logger.Trace().Str("method", method).Str("path", path).Int("status", res.StatusCode).Msg("directory call")
	return res.StatusCode, &gr, nil
}

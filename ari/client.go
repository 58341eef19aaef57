// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2025, Stasio Authors

// Package ari is the Asterisk REST Interface transport for the stasio
// engine: commands go out over HTTP, events come in over a websocket.
package ari

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/arivoip/stasio"
	"github.com/arivoip/stasio/mailbox"
)

type Config struct {
	// URL is the REST base, ex "http://127.0.0.1:8088/ari"
	URL string
	// WebsocketURL overrides the event stream address. Derived from URL
	// when empty.
	WebsocketURL string
	Username     string
	Password     string
	// Application is the Stasis application name channels are sent to
	Application string

	// RecordMaxDuration bounds recordings in seconds, 0 means server
	// default
	RecordMaxDuration int
}

type Client struct {
	cfg   Config
	httpc *http.Client
	log   zerolog.Logger
}

type ClientOption func(*Client)

func WithHTTPClient(h *http.Client) ClientOption {
	return func(c *Client) {
		c.httpc = h
	}
}

func WithLogger(l zerolog.Logger) ClientOption {
	return func(c *Client) {
		c.log = l
	}
}

func NewClient(cfg Config, opts ...ClientOption) (*Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("ari url is required")
	}
	if cfg.Application == "" {
		return nil, fmt.Errorf("ari application name is required")
	}
	cfg.URL = strings.TrimSuffix(cfg.URL, "/")

	c := &Client{
		cfg:   cfg,
		httpc: &http.Client{Timeout: 10 * time.Second},
		log:   log.Logger,
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// Send implements stasio.Transport. Every command maps onto one REST call,
// an error return means the server rejected the submit.
func (c *Client) Send(ctx context.Context, cmd stasio.Command) error {
	switch cmd.Kind {
	case stasio.CommandAnswer:
		return c.do(ctx, http.MethodPost, "/channels/"+url.PathEscape(cmd.SessionID)+"/answer", nil, nil)

	case stasio.CommandPlay:
		q := url.Values{"media": []string{cmd.Media}}
		return c.do(ctx, http.MethodPost,
			"/channels/"+url.PathEscape(cmd.SessionID)+"/play/"+url.PathEscape(cmd.ID), q, nil)

	case stasio.CommandRecord:
		q := url.Values{
			"name":        []string{cmd.Recording},
			"format":      []string{"wav"},
			"beep":        []string{"true"},
			"ifExists":    []string{"overwrite"},
			"terminateOn": []string{"#"},
		}
		if c.cfg.RecordMaxDuration > 0 {
			q.Set("maxDurationSeconds", strconv.Itoa(c.cfg.RecordMaxDuration))
		}
		return c.do(ctx, http.MethodPost, "/channels/"+url.PathEscape(cmd.SessionID)+"/record", q, nil)

	case stasio.CommandDeleteRecording:
		return c.do(ctx, http.MethodDelete, "/recordings/stored/"+url.PathEscape(cmd.Recording), nil, nil)

	case stasio.CommandHangup:
		q := url.Values{"reason": []string{"normal"}}
		return c.do(ctx, http.MethodDelete, "/channels/"+url.PathEscape(cmd.SessionID), q, nil)
	}
	return fmt.Errorf("unknown command kind %s", cmd.Kind)
}

type storedRecordingJSON struct {
	Name   string `json:"name"`
	Format string `json:"format"`
}

// List implements stasio.RecordingStore against the server's stored
// recordings. Recordings are matched by the "<mailbox>-" name prefix the
// engine records under, an empty mailbox lists everything. ARI reports no
// timestamps, so server order is kept as is, which for Asterisk is creation
// order.
func (c *Client) List(ctx context.Context, mbox string) ([]stasio.StoredRecording, error) {
	var raw []storedRecordingJSON
	if err := c.do(ctx, http.MethodGet, "/recordings/stored", nil, &raw); err != nil {
		return nil, err
	}

	prefix := ""
	if mbox != "" {
		prefix = mbox + "-"
	}
	out := make([]stasio.StoredRecording, 0, len(raw))
	for _, r := range raw {
		if !strings.HasPrefix(r.Name, prefix) {
			continue
		}
		out = append(out, stasio.StoredRecording{
			ID:      r.Name,
			Mailbox: mbox,
			Format:  r.Format,
		})
	}
	return out, nil
}

// Fetch streams the raw file of a stored recording. The caller closes the
// reader.
func (c *Client) Fetch(ctx context.Context, id string) (io.ReadCloser, error) {
	u := c.cfg.URL + "/recordings/stored/" + url.PathEscape(id) + "/file"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth(c.cfg.Username, c.cfg.Password)

	res, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching recording %q: %w", id, err)
	}
	if res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 512))
		res.Body.Close()
		return nil, &statusError{code: res.StatusCode, body: strings.TrimSpace(string(body))}
	}
	return res.Body, nil
}

type mailboxJSON struct {
	Name        string `json:"name"`
	OldMessages int    `json:"old_messages"`
	NewMessages int    `json:"new_messages"`
}

// MailboxStore adapts the client to mailbox.Store, driving the server's MWI
// resource directly.
type MailboxStore struct {
	c *Client
}

func (c *Client) Mailboxes() *MailboxStore {
	return &MailboxStore{c: c}
}

func (m *MailboxStore) Load(ctx context.Context, name string) (mailbox.Counts, error) {
	var raw mailboxJSON
	err := m.c.do(ctx, http.MethodGet, "/mailboxes/"+url.PathEscape(name), nil, &raw)
	if err != nil {
		var se *statusError
		if errors.As(err, &se) && se.code == http.StatusNotFound {
			return mailbox.Counts{}, nil
		}
		return mailbox.Counts{}, err
	}
	return mailbox.Counts{New: raw.NewMessages, Old: raw.OldMessages}, nil
}

func (m *MailboxStore) Save(ctx context.Context, name string, c mailbox.Counts) error {
	q := url.Values{
		"oldMessages": []string{strconv.Itoa(c.Old)},
		"newMessages": []string{strconv.Itoa(c.New)},
	}
	return m.c.do(ctx, http.MethodPut, "/mailboxes/"+url.PathEscape(name), q, nil)
}

type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("ari: unexpected status %d: %s", e.code, e.body)
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, out any) error {
	u := c.cfg.URL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return err
	}
	req.SetBasicAuth(c.cfg.Username, c.cfg.Password)

	res, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer res.Body.Close()

	if res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 512))
		return &statusError{code: res.StatusCode, body: strings.TrimSpace(string(body))}
	}

	if out != nil {
		if err := json.NewDecoder(res.Body).Decode(out); err != nil {
			return fmt.Errorf("%s %s: decoding response: %w", method, path, err)
		}
	}
	return nil
}

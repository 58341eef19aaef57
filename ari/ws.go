// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2025, Stasio Authors

package ari

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/arivoip/stasio"
)

// Events implements stasio.Transport by dialing the ARI websocket and
// decoding its JSON stream. The returned channel closes when the connection
// drops, the engine treats that as a transport error for every active
// session. Reconnecting is the caller's policy, not the transport's.
func (c *Client) Events(ctx context.Context) (<-chan stasio.Event, error) {
	wsURL, err := c.websocketURL()
	if err != nil {
		return nil, err
	}

	conn, _, _, err := ws.Dial(ctx, wsURL)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", redactAPIKey(wsURL), err)
	}
	c.log.Info().Str("url", redactAPIKey(wsURL)).Msg("Event stream connected")

	out := make(chan stasio.Event, 32)

	// Unblock the reader when the context ends
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	go func() {
		defer close(out)
		defer conn.Close()
		for {
			data, err := wsutil.ReadServerText(conn)
			if err != nil {
				if ctx.Err() == nil {
					c.log.Error().Err(err).Msg("Event stream read failed")
				}
				return
			}

			ev, ok, err := decodeEvent(data)
			if err != nil {
				// Malformed frame, report and keep reading
				c.log.Warn().Err(err).Msg("Malformed event dropped")
				continue
			}
			if !ok {
				continue
			}

			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}

// websocketURL derives the events endpoint from the REST base unless the
// config pins one, and always carries app and api_key query parameters.
func (c *Client) websocketURL() (string, error) {
	raw := c.cfg.WebsocketURL
	if raw == "" {
		raw = c.cfg.URL + "/events"
		raw = strings.Replace(raw, "http://", "ws://", 1)
		raw = strings.Replace(raw, "https://", "wss://", 1)
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parsing websocket url: %w", err)
	}
	q := u.Query()
	q.Set("app", c.cfg.Application)
	q.Set("api_key", c.cfg.Username+":"+c.cfg.Password)
	q.Set("subscribeAll", "false")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func redactAPIKey(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	q := u.Query()
	if q.Has("api_key") {
		q.Set("api_key", "***")
		u.RawQuery = q.Encode()
	}
	return u.String()
}

// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2025, Stasio Authors

package ari

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/arivoip/stasio"
)

// Wire shapes of the ARI events the engine consumes. Fields not used for
// dispatch are left out on purpose.

type wireEvent struct {
	Type        string         `json:"type"`
	Application string         `json:"application"`
	Args        []string       `json:"args"`
	Digit       string         `json:"digit"`
	Channel     *wireChannel   `json:"channel"`
	Playback    *wirePlayback  `json:"playback"`
	Recording   *wireRecording `json:"recording"`
}

type wireChannel struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	State    string `json:"state"`
	Dialplan struct {
		Context string `json:"context"`
		Exten   string `json:"exten"`
	} `json:"dialplan"`
}

type wirePlayback struct {
	ID        string `json:"id"`
	MediaURI  string `json:"media_uri"`
	TargetURI string `json:"target_uri"`
	State     string `json:"state"`
}

type wireRecording struct {
	Name      string `json:"name"`
	Format    string `json:"format"`
	TargetURI string `json:"target_uri"`
	State     string `json:"state"`
	Cause     string `json:"cause"`
}

// decodeEvent maps one ARI message to an engine event. The second return is
// false for event types the engine does not care about.
func decodeEvent(data []byte) (stasio.Event, bool, error) {
	var we wireEvent
	if err := json.Unmarshal(data, &we); err != nil {
		return stasio.Event{}, false, fmt.Errorf("decoding event: %w", err)
	}

	switch we.Type {
	case "StasisStart":
		if we.Channel == nil {
			return stasio.Event{}, false, fmt.Errorf("StasisStart without channel")
		}
		return stasio.Event{
			Kind:      stasio.EventSessionEntered,
			SessionID: we.Channel.ID,
			Mailbox:   mailboxFor(we),
		}, true, nil

	case "ChannelDtmfReceived":
		if we.Channel == nil || we.Digit == "" {
			return stasio.Event{}, false, fmt.Errorf("ChannelDtmfReceived without channel or digit")
		}
		return stasio.Event{
			Kind:      stasio.EventDtmfReceived,
			SessionID: we.Channel.ID,
			Digit:     rune(we.Digit[0]),
		}, true, nil

	case "PlaybackFinished":
		if we.Playback == nil {
			return stasio.Event{}, false, fmt.Errorf("PlaybackFinished without playback")
		}
		return stasio.Event{
			Kind:      stasio.EventPlaybackFinished,
			SessionID: channelFromTarget(we.Playback.TargetURI),
			CommandID: we.Playback.ID,
		}, true, nil

	case "RecordingFinished":
		if we.Recording == nil {
			return stasio.Event{}, false, fmt.Errorf("RecordingFinished without recording")
		}
		return stasio.Event{
			Kind:      stasio.EventRecordingFinished,
			SessionID: channelFromTarget(we.Recording.TargetURI),
			CommandID: we.Recording.Name,
		}, true, nil

	case "RecordingFailed":
		if we.Recording == nil {
			return stasio.Event{}, false, fmt.Errorf("RecordingFailed without recording")
		}
		return stasio.Event{
			Kind:      stasio.EventCommandCompleted,
			SessionID: channelFromTarget(we.Recording.TargetURI),
			CommandID: we.Recording.Name,
			Err:       fmt.Errorf("recording failed: %s", we.Recording.Cause),
		}, true, nil

	case "StasisEnd":
		if we.Channel == nil {
			return stasio.Event{}, false, fmt.Errorf("StasisEnd without channel")
		}
		return stasio.Event{
			Kind:      stasio.EventTransportError,
			SessionID: we.Channel.ID,
			Err:       stasio.ErrSessionEnded,
		}, true, nil
	}

	return stasio.Event{}, false, nil
}

// mailboxFor derives the mailbox a channel belongs to. The dialplan passes
// it as the first Stasis argument, falling back to the dialed extension.
func mailboxFor(we wireEvent) string {
	if len(we.Args) > 0 && we.Args[0] != "" {
		return we.Args[0]
	}
	return we.Channel.Dialplan.Exten
}

// channelFromTarget extracts the channel id out of a "channel:<id>" target
// URI carried by playback and recording events.
func channelFromTarget(target string) string {
	return strings.TrimPrefix(target, "channel:")
}

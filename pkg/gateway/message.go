// Copyright 2024-2026 Immanuel Fodor
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package gateway

import (
	"fmt"
	"strings"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/format"
)

// BuildMessage assembles the Matrix message content for a formatted
// webhook body. The plain-text Body is always prefix+body; markdown
// mode only adds an HTML variant with the body wrapped in a fenced
// code block so chat clients render payloads in fixed width.
func BuildMessage(body, sender string, useMarkdown, displaySender bool) *event.MessageEventContent {
	prefix := ""
	if displaySender {
		prefix = "**" + sender + "** says:  \n"
	}
	content := &event.MessageEventContent{
		MsgType: event.MsgText,
		Body:    prefix + body,
	}
	if useMarkdown {
		fenced := prefix + "```\n" + strings.TrimSuffix(body, "\n") + "\n```"
		rendered := format.RenderMarkdown(fenced, true, false)
		content.Format = event.FormatHTML
		content.FormattedBody = rendered.FormattedBody
	}
	return content
}

// Greeting builds the one-time startup message sent to the admin room.
func Greeting(serviceName, version, deviceName string) *event.MessageEventContent {
	text := fmt.Sprintf("Hi, I'm %s %s running from **%s**, waiting for webhooks!", serviceName, version, deviceName)
	content := format.RenderMarkdown(text, true, false)
	return &content
}

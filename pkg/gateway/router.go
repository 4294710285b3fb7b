// Copyright 2024-2026 Immanuel Fodor
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package gateway

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"maunium.net/go/mautrix/id"
)

// tokenPattern is the allowed shape of a webhook token.
var tokenPattern = regexp.MustCompile(`^[A-Za-z0-9]+$`)

// Route maps a webhook token to its target room and the display name
// shown as the message sender.
type Route struct {
	Token      string
	RoomID     id.RoomID
	SenderName string
}

// ParseRoutes parses the KNOWN_TOKENS triplet string. The string is
// split on whitespace and commas; consecutive groups of three fields
// form (token, room_id, sender_name) routes. Both the space-separated
// form ("T1,!r1:h,App1 T2,!r2:h,App2") and a flat comma list are
// accepted.
func ParseRoutes(s string) ([]Route, error) {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || unicode.IsSpace(r)
	})
	if len(fields) == 0 {
		return nil, errors.New("no token routes configured")
	}
	if len(fields)%3 != 0 {
		return nil, fmt.Errorf("token routes must be token,room,name triplets, got %d fields", len(fields))
	}

	routes := make([]Route, 0, len(fields)/3)
	for i := 0; i < len(fields); i += 3 {
		route := Route{
			Token:      fields[i],
			RoomID:     id.RoomID(fields[i+1]),
			SenderName: fields[i+2],
		}
		if !tokenPattern.MatchString(route.Token) {
			return nil, fmt.Errorf("invalid token %q: must match [A-Za-z0-9]+", route.Token)
		}
		routes = append(routes, route)
	}
	return routes, nil
}

// Router resolves webhook tokens to routes. The table is built once at
// startup and immutable afterwards, so lookups need no locking.
type Router struct {
	routes map[string]Route
}

// NewRouter builds the lookup table. Duplicate tokens are an error.
func NewRouter(routes []Route) (*Router, error) {
	table := make(map[string]Route, len(routes))
	for _, route := range routes {
		if _, ok := table[route.Token]; ok {
			return nil, fmt.Errorf("duplicate token %q in route table", route.Token)
		}
		table[route.Token] = route
	}
	return &Router{routes: table}, nil
}

// Resolve looks up a token. Exact match, case-sensitive.
func (r *Router) Resolve(token string) (Route, bool) {
	route, ok := r.routes[token]
	return route, ok
}

// Rooms returns the deduplicated set of rooms referenced by the table.
func (r *Router) Rooms() []id.RoomID {
	seen := make(map[id.RoomID]struct{}, len(r.routes))
	rooms := make([]id.RoomID, 0, len(r.routes))
	for _, route := range r.routes {
		if _, dup := seen[route.RoomID]; dup {
			continue
		}
		seen[route.RoomID] = struct{}{}
		rooms = append(rooms, route.RoomID)
	}
	return rooms
}

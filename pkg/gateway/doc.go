// Copyright 2024-2026 Immanuel Fodor
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package gateway relays authenticated HTTP webhook POSTs into
// end-to-end encrypted Matrix rooms.
//
// A webhook request carries a shared-secret token in its path; the
// token selects the target room and the sender display name from an
// immutable table loaded at startup. The payload (form-encoded or
// JSON) is rendered into a message body by the payloadfmt subpackage
// and dispatched through a single persistent Matrix session.
//
// # Core Types
//
// [Router] resolves tokens to (room, sender) routes. Lookups are
// exact-match and case-sensitive against a read-only table.
//
// [Session] owns the Matrix connection lifecycle: resume-or-login via
// the mautrix crypto helper, the background sync loop, room auto-join,
// the startup greeting, and serialized encrypted sends. Encryption
// itself (device keys, olm/megolm sessions) is entirely delegated to
// the mautrix library; session state persists in a sqlite store so a
// restart resumes the existing device instead of registering a new one.
//
// [Server] exposes POST /post/{token} plus a GET / health probe and
// maps the error taxonomy to HTTP statuses: unknown token to 404,
// undecodable or unserializable payloads to 400, wrong content type to
// 415, dispatch failures to 502. Per-request errors never stop the
// process.
//
// The [Messenger] interface decouples the HTTP layer from the real
// session so the routing and formatting core is testable with a fake.
package gateway

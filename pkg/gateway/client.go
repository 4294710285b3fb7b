// Copyright 2024-2026 Immanuel Fodor
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package gateway

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/crypto/cryptohelper"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// Messenger is the capability the HTTP layer needs from the chat
// session. Tests inject a fake implementation.
type Messenger interface {
	SendMessage(ctx context.Context, roomID id.RoomID, content *event.MessageEventContent) (id.EventID, error)
}

// Session owns the authenticated, encrypted connection to the
// homeserver. All encryption mechanics (device keys, one-time keys,
// olm/megolm sessions) live in the mautrix crypto helper; Session only
// drives login, room joins and sends, and persists the helper's opaque
// state under the configured store path.
type Session struct {
	cfg *Config
	log zerolog.Logger

	client *mautrix.Client
	crypto *cryptohelper.CryptoHelper

	// sendMu serializes outbound sends: megolm ratchet state must not
	// be advanced by concurrent writers.
	sendMu sync.Mutex

	stopSync context.CancelFunc
	syncDone chan struct{}
	stopOnce sync.Once
}

var _ Messenger = (*Session)(nil)

// NewSession creates an unauthenticated session.
func NewSession(cfg *Config, log zerolog.Logger) *Session {
	return &Session{
		cfg: cfg,
		log: log.With().Str("component", "matrix").Logger(),
	}
}

// sessionDBPath is the sqlite database holding device identity, access
// token and ratchet state across restarts.
func (s *Session) sessionDBPath() string {
	return filepath.Join(s.cfg.StorePath, "session.db")
}

// Start brings the session to the ready state: resume or perform a
// fresh login, start the sync loop, join the admin room plus all
// routed rooms, and send the greeting. It must complete before the
// HTTP listener accepts traffic.
func (s *Session) Start(ctx context.Context, rooms []id.RoomID, greeting *event.MessageEventContent) error {
	if err := os.MkdirAll(s.cfg.StorePath, 0o700); err != nil {
		return fmt.Errorf("failed to create session store directory: %w", err)
	}

	if err := s.connect(ctx); err != nil {
		if !isInvalidSessionErr(err) {
			// Transient failures (homeserver down, network) must not
			// discard a valid device identity.
			return fmt.Errorf("matrix connect failed: %w", err)
		}
		// A stale or revoked stored session must not keep the service
		// down: move the store aside and retry with a fresh login.
		s.log.Warn().Err(err).Msg("Session resume failed, retrying with a fresh login")
		invalidPath := fmt.Sprintf("%s.invalid-%d", s.sessionDBPath(), time.Now().Unix())
		if renameErr := os.Rename(s.sessionDBPath(), invalidPath); renameErr != nil && !errors.Is(renameErr, os.ErrNotExist) {
			return fmt.Errorf("failed to move aside invalid session store: %w", renameErr)
		}
		if err := s.connect(ctx); err != nil {
			return fmt.Errorf("matrix login failed: %w", err)
		}
	}

	s.log.Info().
		Str("user_id", string(s.client.UserID)).
		Str("device_id", string(s.client.DeviceID)).
		Msg("Authenticated to homeserver")

	// The sync loop delivers the to-device key events the crypto
	// helper needs; wait for one pass before touching rooms.
	firstSync := s.startSyncLoop()
	select {
	case <-firstSync:
	case <-ctx.Done():
		return ctx.Err()
	}

	s.joinRooms(ctx, rooms)

	if greeting != nil {
		// Best effort: a failed greeting is logged, never fatal.
		if _, err := s.SendMessage(ctx, s.cfg.AdminRoom, greeting); err != nil {
			s.log.Warn().Err(err).
				Str("room_id", string(s.cfg.AdminRoom)).
				Msg("Failed to send startup greeting")
		}
	}

	s.log.Info().Msg("Matrix session ready")
	return nil
}

// connect builds the client and crypto helper and performs the
// resume-or-login handshake. The helper restores the stored device
// identity when the session database has one, otherwise it logs in
// with the configured credentials and persists the result.
func (s *Session) connect(ctx context.Context) error {
	client, err := mautrix.NewClient(s.cfg.ServerURL, "", "")
	if err != nil {
		return fmt.Errorf("invalid homeserver URL: %w", err)
	}
	client.Log = s.log
	if !s.cfg.SSLVerify {
		client.Client = insecureHTTPClient()
	}

	helper, err := cryptohelper.NewCryptoHelper(client, []byte(s.cfg.PickleKey), s.sessionDBPath())
	if err != nil {
		return fmt.Errorf("failed to open session store: %w", err)
	}
	helper.LoginAs = &mautrix.ReqLogin{
		Type: mautrix.AuthTypePassword,
		Identifier: mautrix.UserIdentifier{
			Type: mautrix.IdentifierTypeUser,
			User: string(s.cfg.UserID),
		},
		Password:                 s.cfg.Password,
		InitialDeviceDisplayName: s.cfg.DeviceName,
	}
	if err := helper.Init(ctx); err != nil {
		if closeErr := helper.Close(); closeErr != nil {
			s.log.Warn().Err(closeErr).Msg("Failed to close session store after init failure")
		}
		return err
	}
	client.Crypto = helper

	s.client = client
	s.crypto = helper
	return nil
}

// isInvalidSessionErr reports whether a connect failure means the
// stored session is unusable (revoked token, corrupt store) rather
// than transient. Only unusable sessions justify discarding the device
// identity and logging in fresh.
func isInvalidSessionErr(err error) bool {
	if errors.Is(err, mautrix.MUnknownToken) || errors.Is(err, mautrix.MMissingToken) {
		return true
	}
	var httpErr mautrix.HTTPError
	if errors.As(err, &httpErr) {
		// Any other homeserver response (rate limit, 5xx) is transient.
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return false
	}
	// Whatever is left failed locally: the store itself is broken.
	return true
}

// insecureHTTPClient skips TLS verification for self-signed
// homeservers (MATRIX_SSLVERIFY=false).
func insecureHTTPClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		},
		Timeout: 180 * time.Second,
	}
}

// startSyncLoop runs the /sync loop in the background and returns a
// channel that is closed after the first successful sync.
func (s *Session) startSyncLoop() <-chan struct{} {
	firstSync := make(chan struct{})
	var once sync.Once

	syncer := s.client.Syncer.(*mautrix.DefaultSyncer)
	syncer.OnSync(func(ctx context.Context, resp *mautrix.RespSync, since string) bool {
		once.Do(func() { close(firstSync) })
		return true
	})
	syncer.OnEventType(event.EventMessage, func(ctx context.Context, evt *event.Event) {
		s.log.Debug().
			Str("room_id", string(evt.RoomID)).
			Str("sender", string(evt.Sender)).
			Msg("Received room message")
	})

	ctx, cancel := context.WithCancel(context.Background())
	s.stopSync = cancel
	s.syncDone = make(chan struct{})
	go func() {
		defer close(s.syncDone)
		for {
			err := s.client.SyncWithContext(ctx)
			if err == nil || errors.Is(err, context.Canceled) {
				return
			}
			s.log.Error().Err(err).Msg("Sync loop error, restarting")
			select {
			case <-ctx.Done():
				return
			case <-time.After(5 * time.Second):
			}
		}
	}()
	return firstSync
}

// joinRooms joins the admin room and every routed room. Already-joined
// rooms are a server-side no-op; individual failures are logged and do
// not abort startup.
func (s *Session) joinRooms(ctx context.Context, rooms []id.RoomID) {
	seen := make(map[id.RoomID]struct{}, len(rooms)+1)
	for _, room := range append([]id.RoomID{s.cfg.AdminRoom}, rooms...) {
		if _, dup := seen[room]; dup {
			continue
		}
		seen[room] = struct{}{}
		if _, err := s.client.JoinRoom(ctx, string(room), &mautrix.ReqJoinRoom{}); err != nil {
			s.log.Warn().Err(err).Str("room_id", string(room)).Msg("Failed to join room")
		} else {
			s.log.Debug().Str("room_id", string(room)).Msg("Joined room")
		}
	}
}

// SendMessage sends an encrypted message to a room. Sends are
// serialized and bounded by the configured send timeout; there is no
// retry or queuing, a failure surfaces to the caller.
func (s *Session) SendMessage(ctx context.Context, roomID id.RoomID, content *event.MessageEventContent) (id.EventID, error) {
	if s.client == nil {
		return "", errors.New("matrix session not started")
	}
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, s.cfg.SendTimeout)
	defer cancel()

	resp, err := s.client.SendMessageEvent(ctx, roomID, event.EventMessage, content)
	if err != nil {
		return "", fmt.Errorf("failed to send message to %s: %w", roomID, err)
	}
	return resp.EventID, nil
}

// Close stops the sync loop and closes the crypto store.
func (s *Session) Close() {
	s.stopOnce.Do(func() {
		if s.stopSync != nil {
			s.stopSync()
			<-s.syncDone
		}
		if s.crypto != nil {
			if err := s.crypto.Close(); err != nil {
				s.log.Warn().Err(err).Msg("Failed to close crypto store")
			}
		}
	})
}

// Package chat is the encrypted message side channel. Messages live in
// the remote chat table only; the local device keeps an in-memory copy
// for the current session and never persists plaintext.
package chat

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pairbook/pairbook/internal/crypto"
	apperrors "github.com/pairbook/pairbook/internal/errors"
	"github.com/pairbook/pairbook/internal/ledger"
	"github.com/pairbook/pairbook/internal/remote"
)

// messageIDBytes is the entropy of a generated message id.
const messageIDBytes = 16

// Remote is the chat table surface of the remote store. *remote.Client
// satisfies this interface.
type Remote interface {
	ListMessages(ctx context.Context, pairingID string) ([]remote.MessageRow, error)
	InsertMessage(ctx context.Context, msg remote.MessageRow) error
}

// Message is a decrypted chat message as shown to the user.
type Message struct {
	ID        string
	Sender    ledger.Party
	Text      string
	CreatedAt time.Time

	// Pending marks an optimistic local append not yet confirmed by the
	// remote store's echo.
	Pending bool
}

// Service owns the session's message list. Encryption and decryption
// happen here; everything past the Remote boundary is ciphertext.
type Service struct {
	logger *slog.Logger
	remote Remote
	party  ledger.Party

	mu        sync.Mutex
	pairingID string
	messages  []Message
	seen      map[string]struct{}
}

// NewService creates the chat service for one device. party is the side
// this device sends as; pairingID doubles as the shared encryption
// secret and may be empty until pairing completes.
func NewService(logger *slog.Logger, remoteStore Remote, party ledger.Party, pairingID string) *Service {
	return &Service{
		logger:    logger,
		remote:    remoteStore,
		party:     party,
		pairingID: pairingID,
		seen:      map[string]struct{}{},
	}
}

// SetPairing rebinds the service to a new session. The message list is
// dropped: history belongs to the session, not the device.
func (s *Service) SetPairing(pairingID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if pairingID == s.pairingID {
		return
	}

	s.pairingID = pairingID
	s.messages = nil
	s.seen = map[string]struct{}{}
}

// Send encrypts and appends one message. The message appears in the
// local list immediately and is rolled back if the remote insert fails,
// so the UI shows it optimistically without ever lying for long.
func (s *Service) Send(ctx context.Context, text string) (Message, error) {
	if text == "" {
		return Message{}, apperrors.ErrEmptyMessage
	}

	s.mu.Lock()
	pairingID := s.pairingID
	s.mu.Unlock()

	if pairingID == "" {
		return Message{}, apperrors.ErrNotPaired
	}

	msg := Message{
		ID:        newMessageID(),
		Sender:    s.party,
		Text:      text,
		CreatedAt: time.Now().UTC(),
		Pending:   true,
	}

	s.mu.Lock()
	s.messages = append(s.messages, msg)
	s.seen[msg.ID] = struct{}{}
	s.mu.Unlock()

	payload, err := crypto.Encrypt(text, pairingID)
	if err != nil {
		s.rollback(msg.ID)
		return Message{}, fmt.Errorf("encrypting message: %w", err)
	}

	row := remote.MessageRow{
		ID:        msg.ID,
		SyncID:    pairingID,
		Sender:    s.party,
		Content:   payload,
		CreatedAt: msg.CreatedAt,
	}

	if err := s.remote.InsertMessage(ctx, row); err != nil {
		s.rollback(msg.ID)
		return Message{}, fmt.Errorf("sending message: %w", err)
	}

	s.confirm(msg.ID)
	msg.Pending = false

	return msg, nil
}

// HandleEvent ingests a realtime chat row. The device's own echoed
// insert is deduplicated by id; a peer's message is decrypted and
// appended. Decryption failures degrade that one message to the
// placeholder, never the channel.
func (s *Service) HandleEvent(row remote.MessageRow) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if row.SyncID != s.pairingID {
		return
	}

	if _, ok := s.seen[row.ID]; ok {
		s.confirmLocked(row.ID)
		return
	}

	s.seen[row.ID] = struct{}{}
	s.messages = append(s.messages, Message{
		ID:        row.ID,
		Sender:    row.Sender,
		Text:      crypto.Decrypt(row.Content, s.pairingID),
		CreatedAt: row.CreatedAt,
	})
}

// History replaces the local list with the remote backlog, oldest first.
func (s *Service) History(ctx context.Context) ([]Message, error) {
	s.mu.Lock()
	pairingID := s.pairingID
	s.mu.Unlock()

	if pairingID == "" {
		return nil, apperrors.ErrNotPaired
	}

	rows, err := s.remote.ListMessages(ctx, pairingID)
	if err != nil {
		return nil, fmt.Errorf("loading message history: %w", err)
	}

	msgs := make([]Message, 0, len(rows))
	seen := make(map[string]struct{}, len(rows))

	for _, row := range rows {
		msgs = append(msgs, Message{
			ID:        row.ID,
			Sender:    row.Sender,
			Text:      crypto.Decrypt(row.Content, pairingID),
			CreatedAt: row.CreatedAt,
		})
		seen[row.ID] = struct{}{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// The session may have been rebound while the request was in flight.
	if s.pairingID != pairingID {
		return nil, apperrors.ErrNotPaired
	}

	s.messages = msgs
	s.seen = seen

	return append([]Message(nil), msgs...), nil
}

// Messages returns a copy of the current in-memory list.
func (s *Service) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]Message(nil), s.messages...)
}

func (s *Service) rollback(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.seen, id)

	for i, m := range s.messages {
		if m.ID == id {
			s.messages = append(s.messages[:i], s.messages[i+1:]...)
			return
		}
	}
}

func (s *Service) confirm(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.confirmLocked(id)
}

func (s *Service) confirmLocked(id string) {
	for i := range s.messages {
		if s.messages[i].ID == id {
			s.messages[i].Pending = false
			return
		}
	}
}

func newMessageID() string {
	buf := make([]byte, messageIDBytes)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand never fails on supported platforms; a timestamp id
		// keeps the session usable if it somehow does.
		return fmt.Sprintf("msg-%d", time.Now().UnixNano())
	}

	return hex.EncodeToString(buf)
}

package invite

import (
	"context"
	"strings"
	"sync"
	"time"
)

// MemoryStore keeps invites and verification records in process.
// It implements InviteStore, VerificationStore and Purger.
type MemoryStore struct {
	mu            sync.Mutex
	invites       map[string]InviteToken // documentID -> token
	byToken       map[string]string      // token -> documentID
	verifications map[string]VerificationRecord
}

// NewMemoryStore constructs an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		invites:       make(map[string]InviteToken),
		byToken:       make(map[string]string),
		verifications: make(map[string]VerificationRecord),
	}
}

func (s *MemoryStore) GetInvite(ctx context.Context, documentID string) (InviteToken, error) {
	if err := ctx.Err(); err != nil {
		return InviteToken{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, ok := s.invites[documentID]
	if !ok {
		return InviteToken{}, errNotFound("invite.get", "invite")
	}
	return inv, nil
}

func (s *MemoryStore) PutInvite(ctx context.Context, inv InviteToken, replace bool) (InviteToken, error) {
	if err := ctx.Err(); err != nil {
		return InviteToken{}, err
	}
	if strings.TrimSpace(inv.DocumentID) == "" || strings.TrimSpace(inv.Token) == "" {
		return InviteToken{}, errInvalid("invite.put", "document id and token required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.invites[inv.DocumentID]; ok {
		if !replace {
			return cur, nil
		}
		delete(s.byToken, cur.Token)
	}
	if _, taken := s.byToken[inv.Token]; taken {
		return InviteToken{}, errInvalid("invite.put", "token collision")
	}
	s.invites[inv.DocumentID] = inv
	s.byToken[inv.Token] = inv.DocumentID
	return inv, nil
}

func (s *MemoryStore) FindInvite(ctx context.Context, token string) (InviteToken, error) {
	if err := ctx.Err(); err != nil {
		return InviteToken{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	docID, ok := s.byToken[token]
	if !ok {
		return InviteToken{}, errNotFound("invite.find", "invite")
	}
	return s.invites[docID], nil
}

// DropDocument forgets every token of a deleted document.
func (s *MemoryStore) DropDocument(ctx context.Context, documentID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.invites[documentID]; ok {
		delete(s.byToken, cur.Token)
		delete(s.invites, documentID)
	}
	for h, rec := range s.verifications {
		if rec.DocumentID == documentID {
			delete(s.verifications, h)
		}
	}
	return nil
}

func (s *MemoryStore) SaveVerification(ctx context.Context, rec VerificationRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(rec.TokenHash) != 64 {
		return errInvalid("invite.verification.save", "token hash")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.verifications[rec.TokenHash]; ok {
		return errInvalid("invite.verification.save", "duplicate token")
	}
	s.verifications[rec.TokenHash] = rec
	return nil
}

func (s *MemoryStore) PeekVerification(ctx context.Context, tokenHash string) (VerificationRecord, error) {
	if err := ctx.Err(); err != nil {
		return VerificationRecord{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.verifications[tokenHash]
	if !ok {
		return VerificationRecord{}, errNotFound("invite.verification.peek", "verification")
	}
	return rec, nil
}

func (s *MemoryStore) TakeVerification(ctx context.Context, tokenHash string) (VerificationRecord, error) {
	if err := ctx.Err(); err != nil {
		return VerificationRecord{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.verifications[tokenHash]
	if !ok {
		return VerificationRecord{}, errNotFound("invite.verification.take", "verification")
	}
	delete(s.verifications, tokenHash)
	return rec, nil
}

func (s *MemoryStore) PurgeExpired(ctx context.Context, before time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for h, rec := range s.verifications {
		if rec.ExpiresAt.Before(before) {
			delete(s.verifications, h)
			n++
		}
	}
	return n, nil
}

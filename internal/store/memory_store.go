package store

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"avm/server/internal/model"

	"github.com/google/uuid"
)

var (
	ErrNotFound   = errors.New("not found")
	ErrConflict   = errors.New("conflict")
	ErrForbidden  = errors.New("forbidden")
	ErrBadRequest = errors.New("bad request")
)

type MemoryStore struct {
	mu sync.RWMutex

	users       map[string]model.User
	userByEmail map[string]string

	refreshTokens map[string]model.RefreshToken

	runs             map[string]model.RunRecord
	eventsByRun      map[string][]model.RunEvent
	eventSeqByRun    map[string]int64
	idempotencyToRun map[string]string

	batches map[string]model.BatchRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:            map[string]model.User{},
		userByEmail:      map[string]string{},
		refreshTokens:    map[string]model.RefreshToken{},
		runs:             map[string]model.RunRecord{},
		eventsByRun:      map[string][]model.RunEvent{},
		eventSeqByRun:    map[string]int64{},
		idempotencyToRun: map[string]string{},
		batches:          map[string]model.BatchRecord{},
	}
}

func (s *MemoryStore) UpsertUser(user model.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[user.ID] = user
	s.userByEmail[strings.ToLower(user.Email)] = user.ID
}

func (s *MemoryStore) GetUserByEmail(email string) (model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.userByEmail[strings.ToLower(email)]
	if !ok {
		return model.User{}, ErrNotFound
	}
	user, ok := s.users[id]
	if !ok {
		return model.User{}, ErrNotFound
	}
	return user, nil
}

func (s *MemoryStore) GetUserByID(id string) (model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	user, ok := s.users[id]
	if !ok {
		return model.User{}, ErrNotFound
	}
	return user, nil
}

func (s *MemoryStore) SaveRefreshToken(tok model.RefreshToken) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshTokens[tok.ID] = tok
}

func (s *MemoryStore) GetRefreshToken(id string) (model.RefreshToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tok, ok := s.refreshTokens[id]
	if !ok {
		return model.RefreshToken{}, ErrNotFound
	}
	return tok, nil
}

func (s *MemoryStore) RevokeRefreshToken(id string, revokedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tok, ok := s.refreshTokens[id]
	if !ok {
		return ErrNotFound
	}
	tok.RevokedAt = &revokedAt
	s.refreshTokens[id] = tok
	return nil
}

// CreateRun stores rec. With an idempotency key already used by the same
// user the earlier run is returned and created is false.
func (s *MemoryStore) CreateRun(rec model.RunRecord, idempotencyKey string) (model.RunRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := rec.UserID + ":" + idempotencyKey
	if idempotencyKey != "" {
		if existing, ok := s.idempotencyToRun[k]; ok {
			return s.runs[existing], false, nil
		}
	}
	if _, ok := s.runs[rec.ID]; ok {
		return model.RunRecord{}, false, ErrConflict
	}
	if idempotencyKey != "" {
		s.idempotencyToRun[k] = rec.ID
	}
	s.runs[rec.ID] = rec
	s.eventsByRun[rec.ID] = []model.RunEvent{}
	s.eventSeqByRun[rec.ID] = 0
	return rec, true, nil
}

func (s *MemoryStore) GetRunByIdempotency(userID, idempotencyKey string) (model.RunRecord, bool) {
	if idempotencyKey == "" {
		return model.RunRecord{}, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	runID, ok := s.idempotencyToRun[userID+":"+idempotencyKey]
	if !ok {
		return model.RunRecord{}, false
	}
	rec, ok := s.runs[runID]
	return rec, ok
}

func (s *MemoryStore) GetRun(runID string) (model.RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.runs[runID]
	if !ok {
		return model.RunRecord{}, ErrNotFound
	}
	return rec, nil
}

// UpdateRun applies fn to the stored record under the store lock.
func (s *MemoryStore) UpdateRun(runID string, fn func(*model.RunRecord)) (model.RunRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.runs[runID]
	if !ok {
		return model.RunRecord{}, ErrNotFound
	}
	fn(&rec)
	s.runs[runID] = rec
	return rec, nil
}

func (s *MemoryStore) ListRuns(userID string, page, pageSize int) ([]model.RunRecord, int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}
	var items []model.RunRecord
	for _, r := range s.runs {
		if r.UserID == userID {
			items = append(items, r)
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].CreatedAt.After(items[j].CreatedAt) })
	total := len(items)
	start := (page - 1) * pageSize
	if start > total {
		return []model.RunRecord{}, total
	}
	end := start + pageSize
	if end > total {
		end = total
	}
	return append([]model.RunRecord(nil), items[start:end]...), total
}

func (s *MemoryStore) AppendRunEvent(runID string, event model.RunEvent) (model.RunEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[runID]; !ok {
		return model.RunEvent{}, ErrNotFound
	}
	seq := s.eventSeqByRun[runID] + 1
	s.eventSeqByRun[runID] = seq
	event.Seq = seq
	event.EventID = uuid.NewString()
	s.eventsByRun[runID] = append(s.eventsByRun[runID], event)
	return event, nil
}

func (s *MemoryStore) ListRunEventsFromSeq(runID string, fromSeq int64) ([]model.RunEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	events, ok := s.eventsByRun[runID]
	if !ok {
		return nil, ErrNotFound
	}
	if fromSeq <= 0 {
		return append([]model.RunEvent(nil), events...), nil
	}
	out := make([]model.RunEvent, 0, len(events))
	for _, e := range events {
		if e.Seq > fromSeq {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *MemoryStore) CreateBatch(b model.BatchRecord) (model.BatchRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.batches[b.ID]; ok {
		return model.BatchRecord{}, ErrConflict
	}
	b.RunIDs = append([]string(nil), b.RunIDs...)
	s.batches[b.ID] = b
	return b, nil
}

func (s *MemoryStore) GetBatch(batchID string) (model.BatchRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.batches[batchID]
	if !ok {
		return model.BatchRecord{}, ErrNotFound
	}
	return b, nil
}

func (s *MemoryStore) UpdateBatch(batchID string, fn func(*model.BatchRecord)) (model.BatchRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.batches[batchID]
	if !ok {
		return model.BatchRecord{}, ErrNotFound
	}
	fn(&b)
	s.batches[batchID] = b
	return b, nil
}

// Package memory implements store.Store with in-memory maps behind one coarse
// lock. It is the unit-test backend and the zero-dependency runtime mode; it
// favors clarity over performance.
package memory

import (
	"context"
	"sort"
	"sync"

	"checkpoint/internal/domain"
	"checkpoint/internal/store"
	"checkpoint/pkg/sentinel"
)

// Store keeps every collection under a single RWMutex. RunInTx holds the
// write lock for the whole transaction, which gives the same effect the
// document store's transaction isolation gives in production: concurrent
// operations on the same code serialize, and exactly one redeemer wins.
type Store struct {
	mu sync.RWMutex

	competitions  map[string]domain.Competition
	heats         map[string]map[string]domain.Heat
	registrations map[string]map[string]map[string]domain.Registration
	codes         map[string]domain.Code
	chunks        map[string]domain.Chunk
	agents        map[string]domain.Agent
	dispatched    map[string]bool
}

func New() *Store {
	return &Store{
		competitions:  make(map[string]domain.Competition),
		heats:         make(map[string]map[string]domain.Heat),
		registrations: make(map[string]map[string]map[string]domain.Registration),
		codes:         make(map[string]domain.Code),
		chunks:        make(map[string]domain.Chunk),
		agents:        make(map[string]domain.Agent),
		dispatched:    make(map[string]bool),
	}
}

var _ store.Store = (*Store)(nil)

func (s *Store) Competitions() store.CompetitionStore { return &competitionView{s} }
func (s *Store) Heats() store.HeatStore               { return &heatView{s} }
func (s *Store) Registrations() store.RegistrationStore {
	return &registrationView{s}
}
func (s *Store) Codes() store.CodeStore                 { return &codeView{s} }
func (s *Store) Chunks() store.ChunkStore               { return &chunkView{s} }
func (s *Store) Agents() store.AgentStore               { return &agentView{s} }
func (s *Store) Notifications() store.NotificationStore { return &notificationView{s} }

// RunInTx runs fn under the write lock. Writes are staged and applied only if
// fn succeeds, so a failed transaction leaves no partial state behind.
func (s *Store) RunInTx(_ context.Context, fn func(tx store.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := newTx(s)
	if err := fn(tx); err != nil {
		return err
	}
	tx.apply()
	return nil
}

// --- unlocked primitives, callers hold s.mu ---

func (s *Store) getHeat(competitionID, heatID string) (domain.Heat, bool) {
	heat, ok := s.heats[competitionID][heatID]
	return heat, ok
}

func (s *Store) putHeat(competitionID string, heat domain.Heat) {
	if s.heats[competitionID] == nil {
		s.heats[competitionID] = make(map[string]domain.Heat)
	}
	s.heats[competitionID][heat.ID] = heat
}

func (s *Store) getRegistration(competitionID, heatID, dorsal string) (domain.Registration, bool) {
	reg, ok := s.registrations[competitionID][heatID][dorsal]
	return reg, ok
}

func (s *Store) putRegistration(reg domain.Registration) {
	if s.registrations[reg.CompetitionID] == nil {
		s.registrations[reg.CompetitionID] = make(map[string]map[string]domain.Registration)
	}
	if s.registrations[reg.CompetitionID][reg.HeatID] == nil {
		s.registrations[reg.CompetitionID][reg.HeatID] = make(map[string]domain.Registration)
	}
	s.registrations[reg.CompetitionID][reg.HeatID][reg.Dorsal] = reg
}

func (s *Store) deleteRegistration(competitionID, heatID, dorsal string) {
	delete(s.registrations[competitionID][heatID], dorsal)
}

func (s *Store) putCode(code domain.Code) {
	s.codes[code.ID] = code
}

// --- competitions ---

type competitionView struct{ s *Store }

func (v *competitionView) Get(_ context.Context, id string) (domain.Competition, error) {
	v.s.mu.RLock()
	defer v.s.mu.RUnlock()
	competition, ok := v.s.competitions[id]
	if !ok {
		return domain.Competition{}, sentinel.ErrNotFound
	}
	return competition, nil
}

func (v *competitionView) Save(_ context.Context, competition domain.Competition) error {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	v.s.competitions[competition.ID] = competition
	return nil
}

// --- heats ---

type heatView struct{ s *Store }

func (v *heatView) Ensure(_ context.Context, competitionID string, heat domain.Heat) error {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	if _, ok := v.s.getHeat(competitionID, heat.ID); ok {
		return nil
	}
	v.s.putHeat(competitionID, heat)
	return nil
}

func (v *heatView) Get(_ context.Context, competitionID, heatID string) (domain.Heat, error) {
	v.s.mu.RLock()
	defer v.s.mu.RUnlock()
	heat, ok := v.s.getHeat(competitionID, heatID)
	if !ok {
		return domain.Heat{}, sentinel.ErrNotFound
	}
	return heat, nil
}

// --- registrations ---

type registrationView struct{ s *Store }

func (v *registrationView) Upsert(_ context.Context, reg domain.Registration) error {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	v.s.putRegistration(reg)
	return nil
}

func (v *registrationView) Get(_ context.Context, competitionID, heatID, dorsal string) (domain.Registration, error) {
	v.s.mu.RLock()
	defer v.s.mu.RUnlock()
	reg, ok := v.s.getRegistration(competitionID, heatID, dorsal)
	if !ok {
		return domain.Registration{}, sentinel.ErrNotFound
	}
	return reg, nil
}

func (v *registrationView) ListByHeat(_ context.Context, competitionID, heatID string) ([]domain.Registration, error) {
	v.s.mu.RLock()
	defer v.s.mu.RUnlock()
	regs := make([]domain.Registration, 0, len(v.s.registrations[competitionID][heatID]))
	for _, reg := range v.s.registrations[competitionID][heatID] {
		regs = append(regs, reg)
	}
	sort.Slice(regs, func(i, j int) bool { return regs[i].Dorsal < regs[j].Dorsal })
	return regs, nil
}

func (v *registrationView) Delete(_ context.Context, competitionID, heatID, dorsal string) error {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	v.s.deleteRegistration(competitionID, heatID, dorsal)
	return nil
}

func (v *registrationView) SetCheckin(_ context.Context, competitionID, heatID, dorsal string, checkin domain.Redemption) error {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	reg, ok := v.s.getRegistration(competitionID, heatID, dorsal)
	if !ok {
		return sentinel.ErrNotFound
	}
	reg.Checkin = &checkin
	v.s.putRegistration(reg)
	return nil
}

// --- codes ---

type codeView struct{ s *Store }

func (v *codeView) Upsert(_ context.Context, code domain.Code) error {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	if existing, ok := v.s.codes[code.ID]; ok && existing.Redeemed != nil {
		return nil
	}
	v.s.putCode(code)
	return nil
}

func (v *codeView) Get(_ context.Context, id string) (domain.Code, error) {
	v.s.mu.RLock()
	defer v.s.mu.RUnlock()
	code, ok := v.s.codes[id]
	if !ok {
		return domain.Code{}, sentinel.ErrNotFound
	}
	return code, nil
}

func (v *codeView) Save(_ context.Context, code domain.Code) error {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	if _, ok := v.s.codes[code.ID]; !ok {
		return sentinel.ErrNotFound
	}
	v.s.putCode(code)
	return nil
}

func (v *codeView) SetStatus(_ context.Context, id string, status domain.CodeStatus) error {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	code, ok := v.s.codes[id]
	if !ok {
		return sentinel.ErrNotFound
	}
	code.Status = status
	v.s.putCode(code)
	return nil
}

func (v *codeView) Void(_ context.Context, ids []string, reason string) error {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	for _, id := range ids {
		code, ok := v.s.codes[id]
		if !ok || code.Redeemed != nil {
			continue
		}
		code.Status = domain.CodeVoid
		code.VoidReason = reason
		v.s.putCode(code)
	}
	return nil
}

func (v *codeView) ListByCompetition(_ context.Context, competitionID, cursor string, limit int) ([]domain.Code, error) {
	v.s.mu.RLock()
	defer v.s.mu.RUnlock()
	var ids []string
	for id, code := range v.s.codes {
		if code.Competition.ID == competitionID && id > cursor {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	codes := make([]domain.Code, 0, len(ids))
	for _, id := range ids {
		codes = append(codes, v.s.codes[id])
	}
	return codes, nil
}

// --- chunks ---

type chunkView struct{ s *Store }

func (v *chunkView) Create(_ context.Context, chunk domain.Chunk) error {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	if _, ok := v.s.chunks[chunk.ID]; ok {
		return sentinel.ErrConflict
	}
	v.s.chunks[chunk.ID] = chunk
	return nil
}

func (v *chunkView) Get(_ context.Context, id string) (domain.Chunk, error) {
	v.s.mu.RLock()
	defer v.s.mu.RUnlock()
	chunk, ok := v.s.chunks[id]
	if !ok {
		return domain.Chunk{}, sentinel.ErrNotFound
	}
	return chunk, nil
}

func (v *chunkView) SetStatus(_ context.Context, id string, status domain.ChunkStatus) error {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	chunk, ok := v.s.chunks[id]
	if !ok {
		return sentinel.ErrNotFound
	}
	chunk.Status = status
	v.s.chunks[id] = chunk
	return nil
}

func (v *chunkView) MarkProcessed(_ context.Context, id string) error {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	chunk, ok := v.s.chunks[id]
	if !ok {
		return sentinel.ErrNotFound
	}
	chunk.Processed = true
	chunk.Status = domain.ChunkCompleted
	v.s.chunks[id] = chunk
	return nil
}

func (v *chunkView) RecordFailure(_ context.Context, id string) (int, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	chunk, ok := v.s.chunks[id]
	if !ok {
		return 0, sentinel.ErrNotFound
	}
	chunk.RetryCount++
	chunk.Status = domain.ChunkFailed
	v.s.chunks[id] = chunk
	return chunk.RetryCount, nil
}

// --- agents ---

type agentView struct{ s *Store }

func (v *agentView) Get(_ context.Context, user string) (domain.Agent, error) {
	v.s.mu.RLock()
	defer v.s.mu.RUnlock()
	agent, ok := v.s.agents[user]
	if !ok {
		return domain.Agent{}, sentinel.ErrNotFound
	}
	return agent, nil
}

func (v *agentView) Save(_ context.Context, agent domain.Agent) error {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	v.s.agents[agent.User] = agent
	return nil
}

// --- notifications ---

type notificationView struct{ s *Store }

func (v *notificationView) MarkDispatched(_ context.Context, refID string) (bool, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	if v.s.dispatched[refID] {
		return false, nil
	}
	v.s.dispatched[refID] = true
	return true, nil
}

package memory

import (
	"context"
	"sort"

	"checkpoint/internal/domain"
	"checkpoint/internal/store"
	"checkpoint/pkg/sentinel"
)

// memTx stages writes while the store lock is held by RunInTx. Reads see
// committed state plus the transaction's own staged writes; apply publishes
// everything at once, so other readers never observe a half-written unit.
type memTx struct {
	s *Store

	heats       map[string]domain.Heat // key: competitionID + "/" + heatID
	regs        map[string]domain.Registration
	regDeletes  map[string]struct{}
	codes       map[string]domain.Code
	codeDeletes map[string]struct{}
}

func newTx(s *Store) *memTx {
	return &memTx{
		s:           s,
		heats:       make(map[string]domain.Heat),
		regs:        make(map[string]domain.Registration),
		regDeletes:  make(map[string]struct{}),
		codes:       make(map[string]domain.Code),
		codeDeletes: make(map[string]struct{}),
	}
}

var _ store.Tx = (*memTx)(nil)

func (t *memTx) Heats() store.HeatStore                 { return &txHeats{t} }
func (t *memTx) Registrations() store.RegistrationStore { return &txRegistrations{t} }
func (t *memTx) Codes() store.CodeStore                 { return &txCodes{t} }

func heatKey(competitionID, heatID string) string { return competitionID + "/" + heatID }

func regKey(competitionID, heatID, dorsal string) string {
	return competitionID + "/" + heatID + "/" + dorsal
}

func (t *memTx) apply() {
	for key, heat := range t.heats {
		competitionID := key[:len(key)-len(heat.ID)-1]
		t.s.putHeat(competitionID, heat)
	}
	for key := range t.regDeletes {
		if _, staged := t.regs[key]; staged {
			continue
		}
		reg, ok := t.lookupCommittedReg(key)
		if ok {
			t.s.deleteRegistration(reg.CompetitionID, reg.HeatID, reg.Dorsal)
		}
	}
	for _, reg := range t.regs {
		t.s.putRegistration(reg)
	}
	for _, code := range t.codes {
		t.s.putCode(code)
	}
}

func (t *memTx) lookupCommittedReg(key string) (domain.Registration, bool) {
	for _, heats := range t.s.registrations {
		for _, regs := range heats {
			for _, reg := range regs {
				if regKey(reg.CompetitionID, reg.HeatID, reg.Dorsal) == key {
					return reg, true
				}
			}
		}
	}
	return domain.Registration{}, false
}

// --- tx heats ---

type txHeats struct{ t *memTx }

func (v *txHeats) Ensure(_ context.Context, competitionID string, heat domain.Heat) error {
	key := heatKey(competitionID, heat.ID)
	if _, staged := v.t.heats[key]; staged {
		return nil
	}
	if _, ok := v.t.s.getHeat(competitionID, heat.ID); ok {
		return nil
	}
	v.t.heats[key] = heat
	return nil
}

func (v *txHeats) Get(_ context.Context, competitionID, heatID string) (domain.Heat, error) {
	if heat, staged := v.t.heats[heatKey(competitionID, heatID)]; staged {
		return heat, nil
	}
	if heat, ok := v.t.s.getHeat(competitionID, heatID); ok {
		return heat, nil
	}
	return domain.Heat{}, sentinel.ErrNotFound
}

// --- tx registrations ---

type txRegistrations struct{ t *memTx }

func (v *txRegistrations) Upsert(_ context.Context, reg domain.Registration) error {
	key := regKey(reg.CompetitionID, reg.HeatID, reg.Dorsal)
	delete(v.t.regDeletes, key)
	v.t.regs[key] = reg
	return nil
}

func (v *txRegistrations) Get(_ context.Context, competitionID, heatID, dorsal string) (domain.Registration, error) {
	key := regKey(competitionID, heatID, dorsal)
	if _, deleted := v.t.regDeletes[key]; deleted {
		return domain.Registration{}, sentinel.ErrNotFound
	}
	if reg, staged := v.t.regs[key]; staged {
		return reg, nil
	}
	if reg, ok := v.t.s.getRegistration(competitionID, heatID, dorsal); ok {
		return reg, nil
	}
	return domain.Registration{}, sentinel.ErrNotFound
}

func (v *txRegistrations) ListByHeat(_ context.Context, competitionID, heatID string) ([]domain.Registration, error) {
	seen := make(map[string]domain.Registration)
	for _, reg := range v.t.s.registrations[competitionID][heatID] {
		seen[regKey(competitionID, heatID, reg.Dorsal)] = reg
	}
	for key, reg := range v.t.regs {
		if reg.CompetitionID == competitionID && reg.HeatID == heatID {
			seen[key] = reg
		}
	}
	for key := range v.t.regDeletes {
		delete(seen, key)
	}
	regs := make([]domain.Registration, 0, len(seen))
	for _, reg := range seen {
		regs = append(regs, reg)
	}
	sort.Slice(regs, func(i, j int) bool { return regs[i].Dorsal < regs[j].Dorsal })
	return regs, nil
}

func (v *txRegistrations) Delete(_ context.Context, competitionID, heatID, dorsal string) error {
	key := regKey(competitionID, heatID, dorsal)
	delete(v.t.regs, key)
	v.t.regDeletes[key] = struct{}{}
	return nil
}

func (v *txRegistrations) SetCheckin(ctx context.Context, competitionID, heatID, dorsal string, checkin domain.Redemption) error {
	reg, err := v.Get(ctx, competitionID, heatID, dorsal)
	if err != nil {
		return err
	}
	reg.Checkin = &checkin
	return v.Upsert(ctx, reg)
}

// --- tx codes ---

type txCodes struct{ t *memTx }

func (v *txCodes) get(id string) (domain.Code, bool) {
	if code, staged := v.t.codes[id]; staged {
		return code, true
	}
	code, ok := v.t.s.codes[id]
	return code, ok
}

func (v *txCodes) Upsert(_ context.Context, code domain.Code) error {
	if existing, ok := v.get(code.ID); ok && existing.Redeemed != nil {
		return nil
	}
	v.t.codes[code.ID] = code
	return nil
}

func (v *txCodes) Get(_ context.Context, id string) (domain.Code, error) {
	code, ok := v.get(id)
	if !ok {
		return domain.Code{}, sentinel.ErrNotFound
	}
	return code, nil
}

func (v *txCodes) Save(_ context.Context, code domain.Code) error {
	if _, ok := v.get(code.ID); !ok {
		return sentinel.ErrNotFound
	}
	v.t.codes[code.ID] = code
	return nil
}

func (v *txCodes) SetStatus(_ context.Context, id string, status domain.CodeStatus) error {
	code, ok := v.get(id)
	if !ok {
		return sentinel.ErrNotFound
	}
	code.Status = status
	v.t.codes[id] = code
	return nil
}

func (v *txCodes) Void(_ context.Context, ids []string, reason string) error {
	for _, id := range ids {
		code, ok := v.get(id)
		if !ok || code.Redeemed != nil {
			continue
		}
		code.Status = domain.CodeVoid
		code.VoidReason = reason
		v.t.codes[id] = code
	}
	return nil
}

func (v *txCodes) ListByCompetition(_ context.Context, competitionID, cursor string, limit int) ([]domain.Code, error) {
	seen := make(map[string]domain.Code)
	for id, code := range v.t.s.codes {
		if code.Competition.ID == competitionID {
			seen[id] = code
		}
	}
	for id, code := range v.t.codes {
		if code.Competition.ID == competitionID {
			seen[id] = code
		}
	}
	var ids []string
	for id := range seen {
		if id > cursor {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	codes := make([]domain.Code, 0, len(ids))
	for _, id := range ids {
		codes = append(codes, seen[id])
	}
	return codes, nil
}

package workflow

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-process Store for tests and local runs without a
// database. It honors the same contracts as SQLStore.
type MemoryStore struct {
	mu        sync.Mutex
	instances map[string]*Instance
	steps     map[string]*StepRecord // instanceID + "\x00" + stepName
	events    map[string]*Event      // instanceID + "\x00" + name
	now       func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		instances: make(map[string]*Instance),
		steps:     make(map[string]*StepRecord),
		events:    make(map[string]*Event),
		now:       time.Now,
	}
}

func stepKey(instanceID, stepName string) string {
	return instanceID + "\x00" + stepName
}

func (s *MemoryStore) CreateInstance(_ context.Context, inst *Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *inst
	s.instances[inst.ID] = &cp
	return nil
}

func (s *MemoryStore) GetInstance(_ context.Context, id string) (*Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, ok := s.instances[id]
	if !ok {
		return nil, ErrInstanceNotFound
	}
	cp := *inst
	return &cp, nil
}

func (s *MemoryStore) ListActive(_ context.Context) ([]Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var active []Instance
	for _, inst := range s.instances {
		if !inst.Status.Terminal() {
			active = append(active, *inst)
		}
	}
	return active, nil
}

func (s *MemoryStore) UpdateStatus(_ context.Context, id string, status Status, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, ok := s.instances[id]
	if !ok {
		return ErrInstanceNotFound
	}

	now := s.now()
	inst.Status = status
	inst.Error = errMsg
	inst.UpdatedAt = now
	if status.Terminal() && inst.CompletedAt == nil {
		inst.CompletedAt = &now
	}
	return nil
}

func (s *MemoryStore) MarkRunning(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, ok := s.instances[id]
	if !ok {
		return false, ErrInstanceNotFound
	}
	if inst.Status.Terminal() {
		return false, nil
	}

	inst.Status = StatusRunning
	inst.Error = ""
	inst.UpdatedAt = s.now()
	return true, nil
}

func (s *MemoryStore) GetStep(_ context.Context, instanceID, stepName string) (*StepRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.steps[stepKey(instanceID, stepName)]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

func (s *MemoryStore) BeginStep(_ context.Context, instanceID, stepName string, at time.Time) (*StepRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := stepKey(instanceID, stepName)
	if rec, ok := s.steps[key]; ok {
		cp := *rec
		return &cp, nil
	}

	rec := &StepRecord{
		InstanceID: instanceID,
		StepName:   stepName,
		StartedAt:  at,
	}
	s.steps[key] = rec
	cp := *rec
	return &cp, nil
}

func (s *MemoryStore) CompleteStep(_ context.Context, instanceID, stepName string, result json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := stepKey(instanceID, stepName)
	rec, ok := s.steps[key]
	if !ok {
		rec = &StepRecord{
			InstanceID: instanceID,
			StepName:   stepName,
			StartedAt:  s.now(),
		}
		s.steps[key] = rec
	}

	now := s.now()
	rec.CompletedAt = &now
	rec.Result = append(json.RawMessage(nil), result...)
	return nil
}

func (s *MemoryStore) InsertEvent(_ context.Context, evt *Event) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := stepKey(evt.InstanceID, evt.Name)
	if _, ok := s.events[key]; ok {
		return false, nil
	}

	if evt.ID == "" {
		evt.ID = uuid.New().String()
	}
	cp := *evt
	cp.CreatedAt = s.now()
	s.events[key] = &cp
	return true, nil
}

func (s *MemoryStore) GetEvent(_ context.Context, instanceID, name string) (*Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	evt, ok := s.events[stepKey(instanceID, name)]
	if !ok {
		return nil, nil
	}
	cp := *evt
	return &cp, nil
}

func (s *MemoryStore) ConsumeEvent(_ context.Context, instanceID, name string) (*Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	evt, ok := s.events[stepKey(instanceID, name)]
	if !ok || evt.Consumed {
		return nil, nil
	}
	evt.Consumed = true
	cp := *evt
	return &cp, nil
}

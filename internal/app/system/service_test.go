package system

import (
	"context"
	"errors"
	"testing"
)

type stubService struct {
	name     string
	failNext bool
	log      *[]string
}

func (s *stubService) Name() string { return s.name }

func (s *stubService) Start(context.Context) error {
	if s.failNext {
		return errors.New("boom")
	}
	*s.log = append(*s.log, "start:"+s.name)
	return nil
}

func (s *stubService) Stop(context.Context) error {
	*s.log = append(*s.log, "stop:"+s.name)
	return nil
}

func TestManagerOrder(t *testing.T) {
	var log []string
	m := NewManager()
	m.Register(&stubService{name: "a", log: &log})
	m.Register(&stubService{name: "b", log: &log})

	ctx := context.Background()
	if err := m.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := m.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}

	want := []string{"start:a", "start:b", "stop:b", "stop:a"}
	if len(log) != len(want) {
		t.Fatalf("log = %v, want %v", log, want)
	}
	for i := range want {
		if log[i] != want[i] {
			t.Errorf("log[%d] = %s, want %s", i, log[i], want[i])
		}
	}
}

func TestManagerStartFailureUnwinds(t *testing.T) {
	var log []string
	m := NewManager()
	m.Register(&stubService{name: "a", log: &log})
	m.Register(&stubService{name: "b", failNext: true, log: &log})

	if err := m.Start(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	want := []string{"start:a", "stop:a"}
	if len(log) != len(want) || log[0] != want[0] || log[1] != want[1] {
		t.Errorf("log = %v, want %v", log, want)
	}
}

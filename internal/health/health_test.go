package health

import (
	"context"
	"sync"
	"testing"
)

func passing(name string) Checker {
	return func(_ context.Context) Status {
		return Status{Name: name, Healthy: true}
	}
}

func TestEmptyRegistryIsHealthy(t *testing.T) {
	r := NewRegistry()
	healthy, statuses := r.CheckAll(context.Background())
	if !healthy {
		t.Fatal("registry with no checkers should report healthy")
	}
	if len(statuses) != 0 {
		t.Fatalf("statuses = %d, want 0", len(statuses))
	}
}

func TestAggregateDegradesOnOneFailingProbe(t *testing.T) {
	r := NewRegistry()
	r.Register("database", passing("database"))
	r.Register("gateway", func(_ context.Context) Status {
		return Status{Name: "gateway", Healthy: false, Detail: "connection refused"}
	})

	healthy, statuses := r.CheckAll(context.Background())
	if healthy {
		t.Fatal("one failing probe should degrade the aggregate")
	}
	if len(statuses) != 2 {
		t.Fatalf("statuses = %d, want 2", len(statuses))
	}
	// Registration order is part of the contract.
	if statuses[0].Name != "database" || statuses[1].Name != "gateway" {
		t.Fatalf("statuses out of registration order: %v", statuses)
	}
	if statuses[1].Detail != "connection refused" {
		t.Errorf("detail = %q, want connection refused", statuses[1].Detail)
	}
}

func TestRegisterReplacesSameName(t *testing.T) {
	r := NewRegistry()
	r.Register("database", func(_ context.Context) Status {
		return Status{Name: "database", Healthy: false, Detail: "down"}
	})
	r.Register("database", passing("database"))

	healthy, statuses := r.CheckAll(context.Background())
	if !healthy {
		t.Fatal("replacement checker should win")
	}
	if len(statuses) != 1 {
		t.Fatalf("statuses = %d, want 1 after re-registering the same name", len(statuses))
	}
}

func TestBlankStatusNameFilledFromRegistration(t *testing.T) {
	r := NewRegistry()
	r.Register("database", func(_ context.Context) Status {
		return Status{Healthy: true}
	})

	_, statuses := r.CheckAll(context.Background())
	if statuses[0].Name != "database" {
		t.Fatalf("name = %q, want database", statuses[0].Name)
	}
}

func TestConcurrentRegisterAndCheckAll(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			r.Register("database", passing("database"))
		}()
		go func() {
			defer wg.Done()
			r.CheckAll(context.Background())
		}()
	}
	wg.Wait()
}

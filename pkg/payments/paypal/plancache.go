package paypal

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/membergate/membergate/pkg/membergate"
)

// PlanCache maps local plan ids to the PayPal product and billing plan ids
// created for them. The mapping is persisted to a JSON sidecar file so
// restarts reuse existing PayPal objects instead of recreating them.
type PlanCache struct {
	mu   sync.Mutex
	path string
	data planCacheData
}

type planCacheData struct {
	ProductID string            `json:"product_id"`
	Plans     map[string]string `json:"plans"` // local plan id -> paypal plan id
}

// NewPlanCache loads the cache from path, starting empty if the file does
// not exist yet.
func NewPlanCache(path string) (*PlanCache, error) {
	pc := &PlanCache{
		path: path,
		data: planCacheData{Plans: make(map[string]string)},
	}

	buf, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return pc, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read plan cache: %w", err)
	}
	if err := json.Unmarshal(buf, &pc.data); err != nil {
		return nil, fmt.Errorf("failed to parse plan cache: %w", err)
	}
	if pc.data.Plans == nil {
		pc.data.Plans = make(map[string]string)
	}
	return pc, nil
}

// ProcessorPlanID returns the PayPal plan id for a local plan id.
func (pc *PlanCache) ProcessorPlanID(localID string) (string, bool) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	id, ok := pc.data.Plans[localID]
	return id, ok
}

// LocalPlanID returns the local plan id for a PayPal plan id.
func (pc *PlanCache) LocalPlanID(processorID string) (string, bool) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	for local, remote := range pc.data.Plans {
		if remote == processorID {
			return local, true
		}
	}
	return "", false
}

func (pc *PlanCache) saveLocked() error {
	buf, err := json.MarshalIndent(&pc.data, "", "  ")
	if err != nil {
		return err
	}
	tmp := pc.path + ".tmp"
	if err := os.WriteFile(tmp, buf, 0o600); err != nil {
		return fmt.Errorf("failed to write plan cache: %w", err)
	}
	return os.Rename(tmp, pc.path)
}

// EnsurePlans creates the PayPal product and a billing plan for every
// recurring local plan that does not have one yet, then persists the
// mapping. One-time plans are skipped; they go through the orders API.
func (pc *PlanCache) EnsurePlans(ctx context.Context, client *Client, productName string, plans map[string]membergate.PlanConfig) error {
	pc.mu.Lock()
	defer pc.mu.Unlock()

	dirty := false

	if pc.data.ProductID == "" {
		product, err := client.CreateProduct(ctx, productName, "Private group membership")
		if err != nil {
			return fmt.Errorf("failed to create product: %w", err)
		}
		pc.data.ProductID = product.ID
		dirty = true
	}

	for id, plan := range plans {
		if !plan.Recurring {
			continue
		}
		if _, ok := pc.data.Plans[id]; ok {
			continue
		}
		created, err := client.CreatePlan(ctx, pc.data.ProductID, plan)
		if err != nil {
			return fmt.Errorf("failed to create plan %q: %w", id, err)
		}
		pc.data.Plans[id] = created.ID
		dirty = true
	}

	if dirty {
		return pc.saveLocked()
	}
	return nil
}

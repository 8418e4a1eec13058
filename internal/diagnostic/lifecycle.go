package diagnostic

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"clinical-sim/internal/casedef"
)

var (
	ErrUnknownTest    = errors.New("unknown diagnostic test")
	ErrAlreadyOrdered = errors.New("test already ordered")
	ErrNotOrdered     = errors.New("test not ordered")
)

type Status string

const (
	StatusOrdered   Status = "ordered"
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
)

// Order is one placed order. OrderedAt and AvailableAt are simulation minutes.
type Order struct {
	TestID      string `json:"test_id"`
	OrderedAt   int    `json:"ordered_at"`
	AvailableAt int    `json:"available_at"`
}

// Orders is keyed by test id. It is never persisted on the session; it is
// rebuilt from the action log with Replay.
type Orders map[string]Order

// Result is the payload returned for order, get_results and get_all_results.
// For order_test it is also the action-log response Replay reads back.
type Result struct {
	Status           Status          `json:"status"`
	TestID           string          `json:"test_id"`
	DisplayName      string          `json:"display_name,omitempty"`
	CostPoints       int             `json:"cost_points,omitempty"`
	TATMinutes       int             `json:"tat_minutes"`
	OrderedAt        int             `json:"ordered_at"`
	AvailableAt      int             `json:"available_at"`
	RemainingMinutes int             `json:"remaining_minutes,omitempty"`
	Result           json.RawMessage `json:"result,omitempty"`
}

// CatalogEntry describes an orderable test.
type CatalogEntry struct {
	TestID      string `json:"test_id"`
	DisplayName string `json:"display_name"`
	CostPoints  int    `json:"cost_points"`
	TATMinutes  int    `json:"tat_minutes"`
	Ordered     bool   `json:"ordered"`
}

// PlaceOrder validates and places an order at elapsed.
func PlaceOrder(def *casedef.Definition, orders Orders, testID string, elapsed int) (Result, error) {
	test, ok := def.Test(testID)
	if !ok {
		return Result{}, fmt.Errorf("%w: %q", ErrUnknownTest, testID)
	}
	if _, dup := orders[testID]; dup {
		return Result{}, fmt.Errorf("%w: %q", ErrAlreadyOrdered, testID)
	}
	return Result{
		Status:      StatusOrdered,
		TestID:      test.ID,
		DisplayName: test.DisplayName,
		CostPoints:  test.CostPoints,
		TATMinutes:  test.TATMinutes,
		OrderedAt:   elapsed,
		AvailableAt: elapsed + test.TATMinutes,
	}, nil
}

// GetResults returns pending with remaining minutes before the test is
// available, and the case-defined payload after.
func GetResults(def *casedef.Definition, orders Orders, testID string, elapsed int) (Result, error) {
	order, ok := orders[testID]
	if !ok {
		if _, known := def.Test(testID); !known {
			return Result{}, fmt.Errorf("%w: %q", ErrUnknownTest, testID)
		}
		return Result{}, fmt.Errorf("%w: %q", ErrNotOrdered, testID)
	}
	test, _ := def.Test(testID)
	r := Result{
		TestID:      testID,
		DisplayName: test.DisplayName,
		TATMinutes:  test.TATMinutes,
		OrderedAt:   order.OrderedAt,
		AvailableAt: order.AvailableAt,
	}
	if elapsed < order.AvailableAt {
		r.Status = StatusPending
		r.RemainingMinutes = order.AvailableAt - elapsed
		return r, nil
	}
	r.Status = StatusCompleted
	r.Result = def.TestResults[testID]
	return r, nil
}

// AllResults returns the status of every ordered test, sorted by order time then id.
func AllResults(def *casedef.Definition, orders Orders, elapsed int) []Result {
	ids := make([]string, 0, len(orders))
	for id := range orders {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		a, b := orders[ids[i]], orders[ids[j]]
		if a.OrderedAt != b.OrderedAt {
			return a.OrderedAt < b.OrderedAt
		}
		return ids[i] < ids[j]
	})

	out := make([]Result, 0, len(ids))
	for _, id := range ids {
		r, err := GetResults(def, orders, id, elapsed)
		if err != nil {
			continue
		}
		out = append(out, r)
	}
	return out
}

// Catalog lists the case's tests in case order.
func Catalog(def *casedef.Definition, orders Orders) []CatalogEntry {
	out := make([]CatalogEntry, 0, len(def.DiagnosticTests))
	for _, t := range def.DiagnosticTests {
		_, ordered := orders[t.ID]
		out = append(out, CatalogEntry{
			TestID:      t.ID,
			DisplayName: t.DisplayName,
			CostPoints:  t.CostPoints,
			TATMinutes:  t.TATMinutes,
			Ordered:     ordered,
		})
	}
	return out
}

// Replay rebuilds the order map from the responses of order_test log
// entries, oldest first. Entries whose status is not "ordered" are skipped,
// and the first order for a test wins.
func Replay(responses []json.RawMessage) Orders {
	orders := Orders{}
	for _, raw := range responses {
		var r Result
		if err := json.Unmarshal(raw, &r); err != nil {
			continue
		}
		if r.Status != StatusOrdered || r.TestID == "" {
			continue
		}
		if _, exists := orders[r.TestID]; exists {
			continue
		}
		orders[r.TestID] = Order{TestID: r.TestID, OrderedAt: r.OrderedAt, AvailableAt: r.AvailableAt}
	}
	return orders
}

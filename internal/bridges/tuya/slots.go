package tuya

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// slotPrefix is the attribute-name prefix of a data-point slot.
const slotPrefix = "dp_"

// SlotAttribute returns the attribute name of a slot, e.g. "dp_07".
func SlotAttribute(slot int) string {
	return fmt.Sprintf("dp_%02d", slot)
}

// ParseSlotAttribute parses an attribute name such as "dp_07".
func ParseSlotAttribute(name string) (int, bool) {
	if !strings.HasPrefix(name, slotPrefix) {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimPrefix(name, slotPrefix))
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}

// SlotRegistry maps data-point slots to field codes. A slot cleared by the
// operator is remembered so that Apply unbinds whatever field the base
// snapshot carries on it.
type SlotRegistry struct {
	mu      sync.RWMutex
	slots   map[int]string
	cleared map[int]struct{}
}

// NewSlotRegistry creates an empty registry.
func NewSlotRegistry() *SlotRegistry {
	return &SlotRegistry{
		slots:   make(map[int]string),
		cleared: make(map[int]struct{}),
	}
}

// Resolve binds slot to code. An empty code clears the slot; the clear is
// remembered so that Apply unbinds the slot from the base snapshot and Sync
// does not re-suggest it. The code is not checked against any snapshot.
//
// Returns:
//   - error: ErrInvalidArgument for a slot <= 0
func (r *SlotRegistry) Resolve(slot int, code string) error {
	if slot <= 0 {
		return fmt.Errorf("%w: slot %d", ErrInvalidArgument, slot)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if code == "" {
		delete(r.slots, slot)
		r.cleared[slot] = struct{}{}
		return nil
	}
	r.slots[slot] = code
	delete(r.cleared, slot)
	return nil
}

// Cleared reports whether slot was explicitly cleared.
func (r *SlotRegistry) Cleared(slot int) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.cleared[slot]
	return ok
}

// Code returns the code bound to slot.
func (r *SlotRegistry) Code(slot int) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	code, ok := r.slots[slot]
	return code, ok
}

// Slots returns the bound slots in ascending order.
func (r *SlotRegistry) Slots() []int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]int, 0, len(r.slots))
	for slot := range r.slots {
		out = append(out, slot)
	}
	sort.Ints(out)
	return out
}

// Apply resolves every bound or cleared slot on s in ascending slot order.
// Slots bound to codes the snapshot does not know are skipped and reported
// in the returned error; the snapshot is still valid.
//
// Parameters:
//   - s: Base snapshot; it is never modified
//
// Returns:
//   - *Snapshot: The resolved snapshot, always non-nil for a non-nil s
//   - error: Joined ErrUnknownCode errors, one per skipped slot
func (r *SlotRegistry) Apply(s *Snapshot) (*Snapshot, error) {
	r.mu.RLock()
	bindings := make(map[int]string, len(r.slots)+len(r.cleared))
	for slot, code := range r.slots {
		bindings[slot] = code
	}
	for slot := range r.cleared {
		bindings[slot] = ""
	}
	r.mu.RUnlock()

	order := make([]int, 0, len(bindings))
	for slot := range bindings {
		order = append(order, slot)
	}
	sort.Ints(order)

	var errs []error
	for _, slot := range order {
		next, err := s.Resolve(slot, bindings[slot])
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", SlotAttribute(slot), err))
			continue
		}
		s = next
	}
	return s, errors.Join(errs...)
}

// Sync loads the slot attributes of the candidate slots from store.
// A candidate whose attribute is empty and which has a suggested code gets
// that code written first. Slots cleared through Resolve are left alone.
//
// Parameters:
//   - ctx: Bounds attribute reads and writes
//   - store: Attribute store holding the dp_NN attributes
//   - deviceID: Device the attributes belong to
//   - suggestions: Suggested code per slot, from Snapshot.Suggestions
//   - candidates: Slots to load, usually from candidateSlots
//
// Returns:
//   - error: The first attribute read or write failure
func (r *SlotRegistry) Sync(ctx context.Context, store AttributeStore, deviceID string, suggestions map[int]string, candidates []int) error {
	for _, slot := range candidates {
		if r.Cleared(slot) {
			continue
		}
		name := SlotAttribute(slot)
		code, err := store.GetAttribute(ctx, deviceID, name, "")
		if err != nil {
			return fmt.Errorf("reading %s: %w", name, err)
		}
		if code == "" {
			if suggested, ok := suggestions[slot]; ok {
				if err := store.SetAttribute(ctx, deviceID, name, suggested); err != nil {
					return fmt.Errorf("writing %s: %w", name, err)
				}
				code = suggested
			}
		}
		if code == "" {
			continue
		}
		if err := r.Resolve(slot, code); err != nil {
			return err
		}
	}
	return nil
}

// candidateSlots merges suggested slots and live data points, ascending and
// without duplicates.
func candidateSlots(suggestions map[int]string, seen DataPoints) []int {
	set := make(map[int]struct{}, len(suggestions)+len(seen))
	for slot := range suggestions {
		set[slot] = struct{}{}
	}
	for dp := range seen {
		if dp > 0 {
			set[dp] = struct{}{}
		}
	}
	out := make([]int, 0, len(set))
	for slot := range set {
		out = append(out, slot)
	}
	sort.Ints(out)
	return out
}

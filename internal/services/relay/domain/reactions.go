package domain

import (
	"encoding/json"
	"slices"
)

// Reactions maps a reaction symbol to the set of user ids that attached it.
//
// Each slice is kept sorted and duplicate free; the zero value is usable and
// encodes as {}.
type Reactions map[string][]string

// Add inserts userID into symbol's set. It reports whether the set changed.
func (r Reactions) Add(symbol, userID string) bool {
	users := r[symbol]
	i, found := slices.BinarySearch(users, userID)
	if found {
		return false
	}
	r[symbol] = slices.Insert(users, i, userID)
	return true
}

// Remove deletes userID from symbol's set. Absence is not an error. An empty
// set is dropped.
func (r Reactions) Remove(symbol, userID string) bool {
	users := r[symbol]
	i, found := slices.BinarySearch(users, userID)
	if !found {
		return false
	}
	users = slices.Delete(users, i, i+1)
	if len(users) == 0 {
		delete(r, symbol)
	} else {
		r[symbol] = users
	}
	return true
}

// Has reports whether userID is in symbol's set.
func (r Reactions) Has(symbol, userID string) bool {
	_, found := slices.BinarySearch(r[symbol], userID)
	return found
}

// MarshalJSON encodes nil as an empty object.
func (r Reactions) MarshalJSON() ([]byte, error) {
	if r == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(map[string][]string(r))
}

// UnmarshalJSON restores set semantics for data written by other clients,
// which may hold unsorted or repeated ids.
func (r *Reactions) UnmarshalJSON(data []byte) error {
	var raw map[string][]string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := make(Reactions, len(raw))
	for symbol, users := range raw {
		for _, user := range users {
			out.Add(symbol, user)
		}
	}
	*r = out
	return nil
}

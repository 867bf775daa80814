package domain

// ChangeKind is the kind of change a store notification describes.
type ChangeKind string

const (
	ChangeAdd    ChangeKind = "ADD"
	ChangeChange ChangeKind = "CHANGE"
	ChangeRemove ChangeKind = "REMOVE"
)

// ChangeEvent is broadcast to every session for each store notification.
// PreviousSiblingKey names the entity preceding Entity in insertion order,
// nil when Entity is first or was removed.
type ChangeEvent[T any] struct {
	Entity             T          `json:"entity"`
	Kind               ChangeKind `json:"kind"`
	PreviousSiblingKey *string    `json:"previousSiblingKey"`
}

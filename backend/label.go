package backend

import "strings"

// Label is a dotted hierarchical identifier attached to each backend, e.g.
// "composition.l1.moka". Composed backends append their child labels to
// their own with a "." separator, grounded on hitbox-core's
// BackendLabel.compose().
type Label string

// Compose appends a child label under this label, joined by ".". Composing
// under an empty label returns the child unchanged (so the root of a
// composition tree doesn't carry a leading dot).
func (l Label) Compose(child Label) Label {
	if l == "" {
		return child
	}
	if child == "" {
		return l
	}
	return Label(string(l) + "." + string(child))
}

// String returns the label as a plain string.
func (l Label) String() string {
	return string(l)
}

// Segments splits the label on "." for callers that want to inspect the
// composition hierarchy (e.g. monitoring dashboards grouping by top-level
// tier).
func (l Label) Segments() []string {
	if l == "" {
		return nil
	}
	return strings.Split(string(l), ".")
}

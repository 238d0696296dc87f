package model

import (
	"strings"
	"time"
)

// StateUnknown is the value reported for entities with no known state.
const StateUnknown = "unknown"

// -----------------------------------------------------------------------------
// Entity Types
// -----------------------------------------------------------------------------

// Context identifies the origin of a state change.
type Context struct {
	ID       string `json:"id"`
	ParentID string `json:"parent_id,omitempty"`
	UserID   string `json:"user_id,omitempty"`
}

// EntityState is a point-in-time snapshot of a remote entity.
type EntityState struct {
	EntityID    string         `json:"entity_id"`    // Unique key (e.g. "light.kitchen")
	State       string         `json:"state"`        // Scalar value ("on", "21.5", "unknown")
	Attributes  map[string]any `json:"attributes"`   // Attribute bag, never mutated after decode
	LastChanged time.Time      `json:"last_changed"` // When State last changed
	LastUpdated time.Time      `json:"last_updated"` // When State or Attributes last changed
	Context     Context        `json:"context"`
}

// Domain returns the part of the entity ID before the first dot.
func (s EntityState) Domain() string {
	return Domain(s.EntityID)
}

// Attribute returns a single attribute value.
func (s EntityState) Attribute(key string) (any, bool) {
	v, ok := s.Attributes[key]
	return v, ok
}

// IsPlaceholder reports whether the snapshot was synthesized locally rather
// than received from the server.
func (s EntityState) IsPlaceholder() bool {
	return s.State == StateUnknown && s.Context.ID == ""
}

// Placeholder returns the default snapshot served for entities that have not
// been fetched yet.
func Placeholder(entityID string, now time.Time) EntityState {
	return EntityState{
		EntityID:    entityID,
		State:       StateUnknown,
		Attributes:  map[string]any{},
		LastChanged: now,
		LastUpdated: now,
	}
}

// Domain returns the domain of an entity ID ("light" for "light.kitchen").
func Domain(entityID string) string {
	domain, _, ok := strings.Cut(entityID, ".")
	if !ok {
		return ""
	}
	return domain
}

// ValidEntityID reports whether id has the "<domain>.<object_id>" shape.
func ValidEntityID(id string) bool {
	domain, object, ok := strings.Cut(id, ".")
	return ok && domain != "" && object != ""
}

// -----------------------------------------------------------------------------
// Service Types
// -----------------------------------------------------------------------------

// Target selects the entities a service call applies to.
type Target struct {
	EntityID []string `json:"entity_id,omitempty"`
	DeviceID []string `json:"device_id,omitempty"`
	AreaID   []string `json:"area_id,omitempty"`
}

// ServiceCall is a request to invoke a server-side service.
type ServiceCall struct {
	Domain         string         `json:"domain"`
	Service        string         `json:"service"`
	ServiceData    map[string]any `json:"service_data,omitempty"`
	Target         *Target        `json:"target,omitempty"`
	ReturnResponse bool           `json:"return_response,omitempty"`
}

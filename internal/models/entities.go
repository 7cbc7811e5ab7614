// Package models provides data model definitions for the Roamlog sync core.
package models

import (
	"encoding/json"
	"fmt"
)

// EntityType identifies a synchronizable entity kind.
type EntityType string

const (
	EntityTrip       EntityType = "Trip"
	EntityMemory     EntityType = "Memory"
	EntityMediaAsset EntityType = "MediaAsset"
	EntityTag        EntityType = "Tag"
	EntityRouteTrack EntityType = "RouteTrack"
)

// Valid reports whether t is one of the known entity kinds.
func (t EntityType) Valid() bool {
	switch t {
	case EntityTrip, EntityMemory, EntityMediaAsset, EntityTag, EntityRouteTrack:
		return true
	}
	return false
}

// TripFields holds the synchronized attributes of a trip.
type TripFields struct {
	Name         string `json:"name"`
	Description  string `json:"description,omitempty"`
	StartDate    int64  `json:"start_date,omitempty"`
	EndDate      int64  `json:"end_date,omitempty"`
	CoverMediaID string `json:"cover_media_id,omitempty"`
}

// MemoryFields holds the synchronized attributes of a memory entry.
type MemoryFields struct {
	TripID    string  `json:"trip_id"`
	Title     string  `json:"title"`
	Body      string  `json:"body,omitempty"`
	Latitude  float64 `json:"latitude,omitempty"`
	Longitude float64 `json:"longitude,omitempty"`
	TakenAt   int64   `json:"taken_at,omitempty"`
}

// MediaAssetFields holds the synchronized attributes of a media asset.
// Binary transfer is handled outside the sync core; only the payload
// reference travels here.
type MediaAssetFields struct {
	MemoryID  string `json:"memory_id"`
	Kind      string `json:"kind"` // photo, video, audio
	RemoteURL string `json:"remote_url,omitempty"`
	Checksum  string `json:"checksum,omitempty"`
	SizeBytes int64  `json:"size_bytes,omitempty"`
}

// TagFields holds the synchronized attributes of a tag.
type TagFields struct {
	Name  string `json:"name"`
	Color string `json:"color,omitempty"`
}

// RouteTrackFields holds the synchronized attributes of a recorded route.
type RouteTrackFields struct {
	TripID     string `json:"trip_id"`
	Polyline   string `json:"polyline"`
	PointCount int    `json:"point_count,omitempty"`
	StartedAt  int64  `json:"started_at,omitempty"`
	EndedAt    int64  `json:"ended_at,omitempty"`
}

// Payload is a tagged union over the closed set of synchronizable entity
// kinds. Exactly one of the field pointers matching Type is non-nil.
// It marshals to a type-tagged JSON record so the Operation Log can stay
// type-erased in storage without losing schema information.
type Payload struct {
	Type       EntityType
	Trip       *TripFields
	Memory     *MemoryFields
	MediaAsset *MediaAssetFields
	Tag        *TagFields
	RouteTrack *RouteTrackFields
}

// payloadEnvelope is the durable JSON shape of a Payload.
type payloadEnvelope struct {
	Type   EntityType      `json:"type"`
	Fields json.RawMessage `json:"fields"`
}

// MarshalJSON implements json.Marshaler.
func (p Payload) MarshalJSON() ([]byte, error) {
	fields, err := json.Marshal(p.fieldsValue())
	if err != nil {
		return nil, err
	}
	return json.Marshal(payloadEnvelope{Type: p.Type, Fields: fields})
}

// UnmarshalJSON implements json.Unmarshaler. Unknown entity types are an
// error, never silently accepted.
func (p *Payload) UnmarshalJSON(data []byte) error {
	var env payloadEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	*p = Payload{Type: env.Type}
	switch env.Type {
	case EntityTrip:
		p.Trip = &TripFields{}
		return json.Unmarshal(env.Fields, p.Trip)
	case EntityMemory:
		p.Memory = &MemoryFields{}
		return json.Unmarshal(env.Fields, p.Memory)
	case EntityMediaAsset:
		p.MediaAsset = &MediaAssetFields{}
		return json.Unmarshal(env.Fields, p.MediaAsset)
	case EntityTag:
		p.Tag = &TagFields{}
		return json.Unmarshal(env.Fields, p.Tag)
	case EntityRouteTrack:
		p.RouteTrack = &RouteTrackFields{}
		return json.Unmarshal(env.Fields, p.RouteTrack)
	default:
		return fmt.Errorf("unknown entity type %q", env.Type)
	}
}

// fieldsValue returns the active variant, or nil when no variant is set.
func (p *Payload) fieldsValue() interface{} {
	switch p.Type {
	case EntityTrip:
		return p.Trip
	case EntityMemory:
		return p.Memory
	case EntityMediaAsset:
		return p.MediaAsset
	case EntityTag:
		return p.Tag
	case EntityRouteTrack:
		return p.RouteTrack
	}
	return nil
}

// ParentRef returns the parent entity reference carried by the payload,
// if the entity kind has one (Memory -> Trip, MediaAsset -> Memory,
// RouteTrack -> Trip).
func (p *Payload) ParentRef() (EntityType, string, bool) {
	switch p.Type {
	case EntityMemory:
		if p.Memory != nil && p.Memory.TripID != "" {
			return EntityTrip, p.Memory.TripID, true
		}
	case EntityMediaAsset:
		if p.MediaAsset != nil && p.MediaAsset.MemoryID != "" {
			return EntityMemory, p.MediaAsset.MemoryID, true
		}
	case EntityRouteTrack:
		if p.RouteTrack != nil && p.RouteTrack.TripID != "" {
			return EntityTrip, p.RouteTrack.TripID, true
		}
	}
	return "", "", false
}

// RewriteRef replaces a parent reference that still points at a local id
// with the server-assigned id. Returns true if a reference was rewritten.
func (p *Payload) RewriteRef(parent EntityType, localID, serverID string) bool {
	switch {
	case p.Type == EntityMemory && parent == EntityTrip:
		if p.Memory != nil && p.Memory.TripID == localID {
			p.Memory.TripID = serverID
			return true
		}
	case p.Type == EntityMediaAsset && parent == EntityMemory:
		if p.MediaAsset != nil && p.MediaAsset.MemoryID == localID {
			p.MediaAsset.MemoryID = serverID
			return true
		}
	case p.Type == EntityRouteTrack && parent == EntityTrip:
		if p.RouteTrack != nil && p.RouteTrack.TripID == localID {
			p.RouteTrack.TripID = serverID
			return true
		}
	}
	return false
}

// Clone returns a deep copy of the payload.
func (p *Payload) Clone() *Payload {
	if p == nil {
		return nil
	}
	out := &Payload{Type: p.Type}
	switch p.Type {
	case EntityTrip:
		if p.Trip != nil {
			v := *p.Trip
			out.Trip = &v
		}
	case EntityMemory:
		if p.Memory != nil {
			v := *p.Memory
			out.Memory = &v
		}
	case EntityMediaAsset:
		if p.MediaAsset != nil {
			v := *p.MediaAsset
			out.MediaAsset = &v
		}
	case EntityTag:
		if p.Tag != nil {
			v := *p.Tag
			out.Tag = &v
		}
	case EntityRouteTrack:
		if p.RouteTrack != nil {
			v := *p.RouteTrack
			out.RouteTrack = &v
		}
	}
	return out
}

// FieldMap projects the active variant into a generic field map. Used by
// the field-level conflict strategy, which merges per field name.
func (p *Payload) FieldMap() (map[string]interface{}, error) {
	data, err := json.Marshal(p.fieldsValue())
	if err != nil {
		return nil, err
	}
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// ApplyFieldMap rebuilds the active variant from a generic field map.
func (p *Payload) ApplyFieldMap(m map[string]interface{}) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	env, err := json.Marshal(payloadEnvelope{Type: p.Type, Fields: data})
	if err != nil {
		return err
	}
	return p.UnmarshalJSON(env)
}

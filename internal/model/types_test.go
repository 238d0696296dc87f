package model

import (
	"encoding/json"
	"testing"
	"time"
)

func TestPlaceholder(t *testing.T) {
	now := time.Date(2024, 1, 15, 12, 30, 45, 0, time.UTC)
	p := Placeholder("light.kitchen", now)

	if p.EntityID != "light.kitchen" {
		t.Errorf("EntityID = %q, want %q", p.EntityID, "light.kitchen")
	}
	if p.State != StateUnknown {
		t.Errorf("State = %q, want %q", p.State, StateUnknown)
	}
	if p.Attributes == nil || len(p.Attributes) != 0 {
		t.Errorf("Attributes = %v, want empty non-nil map", p.Attributes)
	}
	if !p.LastChanged.Equal(now) || !p.LastUpdated.Equal(now) {
		t.Errorf("timestamps = %v/%v, want %v", p.LastChanged, p.LastUpdated, now)
	}
	if !p.IsPlaceholder() {
		t.Error("expected IsPlaceholder to return true")
	}
}

func TestDomain(t *testing.T) {
	tests := []struct {
		id   string
		want string
	}{
		{"light.kitchen", "light"},
		{"sensor.temp.outdoor", "sensor"},
		{"nodot", ""},
		{"", ""},
	}

	for _, tt := range tests {
		if got := Domain(tt.id); got != tt.want {
			t.Errorf("Domain(%q) = %q, want %q", tt.id, got, tt.want)
		}
	}
}

func TestValidEntityID(t *testing.T) {
	valid := []string{"light.kitchen", "sensor.a"}
	invalid := []string{"", "light", ".kitchen", "light."}

	for _, id := range valid {
		if !ValidEntityID(id) {
			t.Errorf("ValidEntityID(%q) = false, want true", id)
		}
	}
	for _, id := range invalid {
		if ValidEntityID(id) {
			t.Errorf("ValidEntityID(%q) = true, want false", id)
		}
	}
}

func TestEntityState_DecodeWire(t *testing.T) {
	data := []byte(`{
		"entity_id": "sensor.temp",
		"state": "21.5",
		"attributes": {"unit_of_measurement": "°C", "friendly_name": "Temperature"},
		"last_changed": "2024-01-15T12:30:45.123456+00:00",
		"last_updated": "2024-01-15T12:31:00+00:00",
		"context": {"id": "01HM", "parent_id": null, "user_id": "abc"}
	}`)

	var s EntityState
	if err := json.Unmarshal(data, &s); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}

	if s.EntityID != "sensor.temp" {
		t.Errorf("EntityID = %q, want %q", s.EntityID, "sensor.temp")
	}
	if s.State != "21.5" {
		t.Errorf("State = %q, want %q", s.State, "21.5")
	}
	if s.Domain() != "sensor" {
		t.Errorf("Domain() = %q, want %q", s.Domain(), "sensor")
	}
	unit, ok := s.Attribute("unit_of_measurement")
	if !ok || unit != "°C" {
		t.Errorf("Attribute(unit_of_measurement) = %v, %v", unit, ok)
	}
	if s.Context.UserID != "abc" {
		t.Errorf("Context.UserID = %q, want %q", s.Context.UserID, "abc")
	}
	if s.LastChanged.Year() != 2024 {
		t.Errorf("LastChanged = %v, want year 2024", s.LastChanged)
	}
	if s.IsPlaceholder() {
		t.Error("decoded state should not be a placeholder")
	}
}

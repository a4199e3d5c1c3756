package valkey

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"pdulink/config"
	"pdulink/pduman"
)

func TestReadingMessage_Structure(t *testing.T) {
	p := NewPublisher(&config.ValkeyConfig{Name: "v", Selector: "east"}, "lab")
	msg := p.readingMessage(pduman.ValueChange{
		Device:     "pdu1",
		ID:         "0/input1/voltage",
		Name:       "Feed 1 Voltage",
		Kind:       pduman.KindReading,
		Value:      230.0,
		UoM:        "V",
		Generation: 2,
		Timestamp:  time.Date(2024, 5, 6, 7, 8, 9, 0, time.Local),
	})

	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal error: %v", err)
	}
	var decoded map[string]interface{}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}

	for _, field := range []string{"factory", "device", "id", "name", "kind", "value", "unit_of_measurement", "generation", "timestamp"} {
		if _, ok := decoded[field]; !ok {
			t.Errorf("missing required field: %s", field)
		}
	}
	if decoded["factory"] != "lab:east" {
		t.Errorf("factory = %v", decoded["factory"])
	}
	if decoded["value"] != 230.0 {
		t.Errorf("value = %v", decoded["value"])
	}
	if msg.Timestamp.Location() != time.UTC {
		t.Error("timestamp should be UTC")
	}
}

func TestHealthMessage_Flattened(t *testing.T) {
	data, err := json.Marshal(HealthMessage{
		Factory: "lab",
		Health:  pduman.Health{Device: "pdu1", State: "Failed", Error: "timeout"},
	})
	if err != nil {
		t.Fatal(err)
	}
	var decoded map[string]interface{}
	json.Unmarshal(data, &decoded)
	if decoded["device"] != "pdu1" || decoded["state"] != "Failed" || decoded["factory"] != "lab" {
		t.Errorf("decoded = %v", decoded)
	}
}

func TestProcessOutletRequest(t *testing.T) {
	p := NewPublisher(&config.ValkeyConfig{Name: "v"}, "lab")

	var calls []string
	p.SetOutletHandler(func(device, unit, outlet string, on bool, opts ...pduman.CommandOption) (pduman.Command, error) {
		cmd := pduman.Command{ID: "cmd-" + outlet}
		for _, opt := range opts {
			opt(&cmd)
		}
		calls = append(calls, device+"/"+unit+"/"+outlet+"/"+cmd.Source+"/"+cmd.RequestID)
		if outlet == "9" {
			return cmd, errors.New("got SNMP error: none NotWritable 1")
		}
		return cmd, nil
	})

	tests := []struct {
		name    string
		payload string
		success bool
		errText string
	}{
		{"valid", `{"device":"pdu1","unit":"1","outlet":"3","on":true,"request_id":"r"}`, true, ""},
		{"default unit", `{"device":"pdu1","outlet":"2","on":false}`, true, ""},
		{"handler error", `{"device":"pdu1","outlet":"9","on":false}`, false, "got SNMP error: none NotWritable 1"},
		{"missing on", `{"device":"pdu1","outlet":"2"}`, false, "on is required"},
		{"missing device", `{"outlet":"2","on":true}`, false, "device and outlet are required"},
		{"invalid json", `nope`, false, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := p.processOutletRequest([]byte(tt.payload))
			if resp.Success != tt.success {
				t.Errorf("success = %v, want %v (%s)", resp.Success, tt.success, resp.Error)
			}
			if tt.errText != "" && resp.Error != tt.errText {
				t.Errorf("error = %q, want %q", resp.Error, tt.errText)
			}
			if !tt.success && resp.Error == "" {
				t.Error("failed response needs an error")
			}
			if resp.Factory != "lab" {
				t.Errorf("factory = %s", resp.Factory)
			}
		})
	}

	want := []string{"pdu1/1/3/valkey:v/r", "pdu1/0/2/valkey:v/", "pdu1/0/9/valkey:v/"}
	if len(calls) != len(want) {
		t.Fatalf("calls = %v", calls)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Errorf("call %d = %s, want %s", i, calls[i], want[i])
		}
	}
}

func TestProcessOutletRequestNoHandler(t *testing.T) {
	p := NewPublisher(&config.ValkeyConfig{Name: "v"}, "lab")
	resp := p.processOutletRequest([]byte(`{"device":"pdu1","outlet":"1","on":true}`))
	if resp.Success || resp.Error != "no outlet handler configured" {
		t.Errorf("resp = %+v", resp)
	}
}

func TestPublishNotRunning(t *testing.T) {
	p := NewPublisher(&config.ValkeyConfig{Name: "v"}, "lab")
	if err := p.PublishReading(pduman.ValueChange{Device: "pdu1", ID: "x"}); err != nil {
		t.Errorf("not running should be a no-op, got %v", err)
	}
	if err := p.PublishHealth(pduman.Health{Device: "pdu1"}); err != nil {
		t.Errorf("not running should be a no-op, got %v", err)
	}
	if err := p.Stop(); err != nil {
		t.Errorf("Stop on idle publisher: %v", err)
	}
}

func TestAddress(t *testing.T) {
	p := NewPublisher(&config.ValkeyConfig{Address: "localhost:6379"}, "lab")
	if p.Address() != "redis://localhost:6379" {
		t.Errorf("Address() = %s", p.Address())
	}
	p = NewPublisher(&config.ValkeyConfig{Address: "cache:6380", UseTLS: true}, "lab")
	if p.Address() != "rediss://cache:6380" {
		t.Errorf("Address() = %s", p.Address())
	}
}

func TestManager(t *testing.T) {
	m := NewManager("lab")
	m.LoadFromConfig([]config.ValkeyConfig{{Name: "a"}, {Name: "b"}})

	called := false
	m.SetOutletHandler(func(string, string, string, bool, ...pduman.CommandOption) (pduman.Command, error) {
		called = true
		return pduman.Command{}, nil
	})
	pub := m.Add(&config.ValkeyConfig{Name: "c"})
	pub.processOutletRequest([]byte(`{"device":"pdu1","outlet":"1","on":true}`))
	if !called {
		t.Error("new publisher should inherit the outlet handler")
	}

	if len(m.List()) != 3 {
		t.Fatalf("List() = %d", len(m.List()))
	}
	if !m.Remove("a") || m.Remove("a") {
		t.Error("Remove should succeed once")
	}
	if m.Get("a") != nil || m.Get("b") == nil {
		t.Error("Get after Remove")
	}
	if m.AnyRunning() {
		t.Error("nothing should be running")
	}
}

package mqtt

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"pdulink/pduman"
)

// ReadingMessage is the JSON structure published for each reading.
type ReadingMessage struct {
	Device      string      `json:"device"`
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	Kind        string      `json:"kind"`
	Value       interface{} `json:"value"`
	UoM         string      `json:"unit_of_measurement,omitempty"`
	DeviceClass string      `json:"device_class,omitempty"`
	Generation  uint64      `json:"generation"`
	Timestamp   string      `json:"timestamp"`
}

func newReadingMessage(c pduman.ValueChange) ReadingMessage {
	ts := c.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	return ReadingMessage{
		Device:      c.Device,
		ID:          c.ID,
		Name:        c.Name,
		Kind:        c.Kind,
		Value:       c.Value,
		UoM:         c.UoM,
		DeviceClass: c.DeviceClass,
		Generation:  c.Generation,
		Timestamp:   ts.UTC().Format(time.RFC3339),
	}
}

// OutletRequest is the JSON structure for incoming outlet commands.
// Outlet and unit accept either strings or numbers.
type OutletRequest struct {
	Unit      flexString `json:"unit"`
	Outlet    flexString `json:"outlet"`
	On        *bool      `json:"on"`
	RequestID string     `json:"request_id,omitempty"`
}

// OutletResponse is the JSON structure for outlet command responses.
type OutletResponse struct {
	Device    string `json:"device"`
	Unit      string `json:"unit"`
	Outlet    string `json:"outlet"`
	On        bool   `json:"on"`
	CommandID string `json:"command_id,omitempty"`
	RequestID string `json:"request_id,omitempty"`
	Success   bool   `json:"success"`
	Error     string `json:"error,omitempty"`
	Timestamp string `json:"timestamp"`
}

// flexString decodes a JSON string or number.
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("expected string or number, got %s", data)
	}
	if _, err := strconv.Atoi(n.String()); err != nil {
		return fmt.Errorf("expected an integer, got %s", n)
	}
	*f = flexString(n.String())
	return nil
}

// parseOutletRequest decodes and validates a command payload. A missing
// unit defaults to "0".
func parseOutletRequest(payload []byte) (OutletRequest, error) {
	var req OutletRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return req, fmt.Errorf("invalid JSON: %v", err)
	}
	if req.Outlet == "" {
		return req, fmt.Errorf("outlet is required")
	}
	if req.On == nil {
		return req, fmt.Errorf("on is required")
	}
	if req.Unit == "" {
		req.Unit = "0"
	}
	return req, nil
}

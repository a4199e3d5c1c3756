package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"pdulink/config"
	"pdulink/history"
	"pdulink/pduman"
	"pdulink/sensor"
	"pdulink/snmp"
)

// Managers provides access to shared backend managers.
type Managers interface {
	GetConfig() *config.Config
	GetPDUMan() *pduman.Manager
	// GetHistory may return nil when history is disabled.
	GetHistory() *history.Store
}

// DeviceResponse is the JSON response for a device.
type DeviceResponse struct {
	Name        string          `json:"name"`
	Host        string          `json:"host"`
	Port        int             `json:"port"`
	Enabled     bool            `json:"enabled"`
	State       string          `json:"state"`
	ReadOnly    bool            `json:"read_only"`
	Error       string          `json:"error,omitempty"`
	Generation  uint64          `json:"generation"`
	LastUpdate  string          `json:"last_update,omitempty"`
	Units       []sensor.Info   `json:"units,omitempty"`
	LastCommand *pduman.Command `json:"last_command,omitempty"`
}

// SnapshotResponse is the JSON response for a device snapshot.
type SnapshotResponse struct {
	Device     string      `json:"device"`
	Generation uint64      `json:"generation"`
	Time       string      `json:"time,omitempty"`
	Units      []string    `json:"units"`
	Values     snmp.Values `json:"values"`
}

// ValueResponse is the JSON response for a single snapshot key.
type ValueResponse struct {
	Device     string     `json:"device"`
	OID        string     `json:"oid"`
	Value      snmp.Value `json:"value"`
	Found      bool       `json:"found"`
	Generation uint64     `json:"generation"`
}

// OutletRequest is the body of an outlet command.
type OutletRequest struct {
	On *bool `json:"on"`
}

// handlers holds the API handler functions.
type handlers struct {
	managers Managers
	events   *Events
	sessions *sessionStore
}

// NewRouter creates the REST API router. Events feeds the /events stream.
func NewRouter(managers Managers, events *Events) chi.Router {
	r := chi.NewRouter()
	h := &handlers{
		managers: managers,
		events:   events,
		sessions: newSessionStore(managers.GetConfig().Web.SessionSecret),
	}

	r.Post("/login", h.handleLogin)
	r.Post("/logout", h.handleLogout)
	r.Get("/events", h.handleSSE)

	r.Get("/", h.handleListDevices)

	r.Route("/{device}", func(r chi.Router) {
		r.Get("/", h.handleDeviceDetails)
		r.Get("/health", h.handleHealth)
		r.Get("/units", h.handleUnits)
		r.Get("/snapshot", h.handleSnapshot)
		r.Get("/snapshot/{oid}", h.handleSnapshotValue)
		r.Get("/readings", h.handleReadings)
		r.Get("/outlets", h.handleOutlets)
		r.Get("/history", h.handleHistory)

		r.With(h.requireUser(false)).Post("/refresh", h.handleRefresh)
		r.With(h.requireUser(true)).Post("/outlets/{unit}/{outlet}", h.handleSetOutlet)
	})

	return r
}

func (h *handlers) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func (h *handlers) writeStatusJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (h *handlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeStatusJSON(w, status, map[string]string{"error": message})
}

// device resolves the {device} URL parameter, writing a 404 when unknown.
func (h *handlers) device(w http.ResponseWriter, r *http.Request) *pduman.Device {
	name, err := url.PathUnescape(chi.URLParam(r, "device"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid URL encoding in device name")
		return nil
	}
	dev := h.managers.GetPDUMan().GetDevice(name)
	if dev == nil {
		h.writeError(w, http.StatusNotFound, "device not found")
		return nil
	}
	return dev
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func deviceResponse(dev *pduman.Device, details bool) DeviceResponse {
	snap := dev.Coordinator.Snapshot()
	resp := DeviceResponse{
		Name:       dev.Name(),
		Host:       dev.Config.Host,
		Port:       dev.Config.Port,
		Enabled:    dev.Config.Enabled,
		State:      dev.State().String(),
		ReadOnly:   dev.ReadOnly(),
		Generation: snap.Generation(),
		LastUpdate: formatTime(snap.Time()),
	}
	if err := dev.LastError(); err != nil {
		resp.Error = err.Error()
	}
	if details {
		resp.Units = dev.Units()
		resp.LastCommand = dev.LastCommand()
	}
	return resp
}

func (h *handlers) handleListDevices(w http.ResponseWriter, r *http.Request) {
	devices := h.managers.GetPDUMan().ListDevices()
	response := make([]DeviceResponse, 0, len(devices))
	for _, dev := range devices {
		response = append(response, deviceResponse(dev, false))
	}
	h.writeJSON(w, response)
}

func (h *handlers) handleDeviceDetails(w http.ResponseWriter, r *http.Request) {
	if dev := h.device(w, r); dev != nil {
		h.writeJSON(w, deviceResponse(dev, true))
	}
}

func (h *handlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	if dev := h.device(w, r); dev != nil {
		h.writeJSON(w, dev.Health())
	}
}

func (h *handlers) handleUnits(w http.ResponseWriter, r *http.Request) {
	if dev := h.device(w, r); dev != nil {
		h.writeJSON(w, dev.Units())
	}
}

func (h *handlers) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	dev := h.device(w, r)
	if dev == nil {
		return
	}
	snap := dev.Coordinator.Snapshot()
	h.writeJSON(w, SnapshotResponse{
		Device:     dev.Name(),
		Generation: snap.Generation(),
		Time:       formatTime(snap.Time()),
		Units:      snap.Units(),
		Values:     snap.Values(),
	})
}

// handleSnapshotValue returns one key. A missing key is a 404 unless a
// ?default= is given, which is returned as text instead.
func (h *handlers) handleSnapshotValue(w http.ResponseWriter, r *http.Request) {
	dev := h.device(w, r)
	if dev == nil {
		return
	}
	oid := chi.URLParam(r, "oid")
	snap := dev.Coordinator.Snapshot()

	resp := ValueResponse{Device: dev.Name(), OID: oid, Generation: snap.Generation()}
	if v, ok := snap.Lookup(oid); ok {
		resp.Value, resp.Found = v, true
		h.writeJSON(w, resp)
		return
	}

	def, hasDefault := r.URL.Query()["default"]
	if !hasDefault {
		h.writeError(w, http.StatusNotFound, "oid not in snapshot")
		return
	}
	resp.Value = snmp.Text(def[0])
	h.writeJSON(w, resp)
}

func (h *handlers) handleReadings(w http.ResponseWriter, r *http.Request) {
	if dev := h.device(w, r); dev != nil {
		readings := dev.Readings()
		if readings == nil {
			readings = []sensor.Reading{}
		}
		h.writeJSON(w, readings)
	}
}

func (h *handlers) handleOutlets(w http.ResponseWriter, r *http.Request) {
	if dev := h.device(w, r); dev != nil {
		switches := dev.Switches()
		if switches == nil {
			switches = []sensor.Switch{}
		}
		h.writeJSON(w, switches)
	}
}

// handleRefresh runs a refresh and reports a device failure as 502.
func (h *handlers) handleRefresh(w http.ResponseWriter, r *http.Request) {
	dev := h.device(w, r)
	if dev == nil {
		return
	}
	snap, err := h.managers.GetPDUMan().Refresh(dev.Name())
	if err != nil {
		h.writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	h.writeJSON(w, map[string]interface{}{
		"device":     dev.Name(),
		"state":      dev.State().String(),
		"generation": snap.Generation(),
		"time":       formatTime(snap.Time()),
	})
}

func (h *handlers) handleSetOutlet(w http.ResponseWriter, r *http.Request) {
	dev := h.device(w, r)
	if dev == nil {
		return
	}

	var req OutletRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if req.On == nil {
		h.writeError(w, http.StatusBadRequest, "on is required")
		return
	}

	cmd, err := h.managers.GetPDUMan().SetOutlet(dev.Name(), chi.URLParam(r, "unit"), chi.URLParam(r, "outlet"), *req.On,
		pduman.FromSource("api"), pduman.WithRequestID(r.Header.Get("X-Request-ID")))
	h.writeStatusJSON(w, outletStatus(err), cmd)
}

func outletStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, pduman.ErrInvalidOutlet):
		return http.StatusBadRequest
	case errors.Is(err, pduman.ErrReadOnly):
		return http.StatusForbidden
	case errors.Is(err, pduman.ErrDeviceNotFound):
		return http.StatusNotFound
	default:
		return http.StatusBadGateway
	}
}

func (h *handlers) handleHistory(w http.ResponseWriter, r *http.Request) {
	dev := h.device(w, r)
	if dev == nil {
		return
	}
	store := h.managers.GetHistory()
	if store == nil {
		h.writeError(w, http.StatusNotFound, "history is disabled")
		return
	}

	limit := history.DefaultLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			h.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	events, err := store.Recent(r.Context(), dev.Name(), limit)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.writeJSON(w, events)
}

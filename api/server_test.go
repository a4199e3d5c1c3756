package api

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"pdulink/config"
	"pdulink/history"
	"pdulink/mib"
	"pdulink/pduman"
	"pdulink/pdutest"
	"pdulink/sensor"
)

type testManagers struct {
	cfg     *config.Config
	pduman  *pduman.Manager
	history *history.Store
}

func (m *testManagers) GetConfig() *config.Config { return m.cfg }
func (m *testManagers) GetPDUMan() *pduman.Manager { return m.pduman }
func (m *testManagers) GetHistory() *history.Store { return m.history }

type fixture struct {
	ts       *httptest.Server
	server   *Server
	managers *testManagers
	pdus     map[string]*pdutest.PDU
}

// newFixture serves pdu1 (writable) and ro (read-only), both refreshed once.
func newFixture(t *testing.T, users ...config.WebUser) *fixture {
	t.Helper()

	pdus := map[string]*pdutest.PDU{
		"pdu1": pdutest.New().WithUnit("0", 1, 4),
		"ro":   pdutest.New().WithUnit("0", 1, 2),
	}
	m := pduman.NewManager(time.Hour)
	m.SetDialer(pdutest.Dialer(pdus))

	if err := m.AddDevice(pdutest.DeviceConfig("pdu1")); err != nil {
		t.Fatal(err)
	}
	ro := pdutest.DeviceConfig("ro")
	ro.Write = config.CredentialConfig{Version: config.VersionNone}
	if err := m.AddDevice(ro); err != nil {
		t.Fatal(err)
	}
	for name := range pdus {
		if _, err := m.Refresh(name); err != nil {
			t.Fatalf("refresh %s: %v", name, err)
		}
	}

	cfg := &config.Config{
		Namespace: "test",
		Web: config.WebConfig{
			Enabled: true,
			Host:    "127.0.0.1",
			API:     config.WebAPIConfig{Enabled: true},
			Users:   users,
		},
	}
	mgrs := &testManagers{cfg: cfg, pduman: m}
	server := NewServer(&cfg.Web, mgrs)
	ts := httptest.NewServer(server.Handler())
	t.Cleanup(func() {
		ts.Close()
		server.Stop()
	})
	return &fixture{ts: ts, server: server, managers: mgrs, pdus: pdus}
}

func (f *fixture) do(t *testing.T, client *http.Client, method, path string, body interface{}, header ...string) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req, err := http.NewRequest(method, f.ts.URL+path, &buf)
	if err != nil {
		t.Fatal(err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode: %v", err)
	}
}

func expectStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		t.Fatalf("%s %s: status %d, want %d", resp.Request.Method, resp.Request.URL.Path, resp.StatusCode, want)
	}
}

func TestListDevices(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, nil, "GET", "/api/", nil)
	expectStatus(t, resp, http.StatusOK)

	var devices []DeviceResponse
	decode(t, resp, &devices)
	if len(devices) != 2 {
		t.Fatalf("expected 2 devices, got %d", len(devices))
	}
	if devices[0].Name != "pdu1" || devices[1].Name != "ro" {
		t.Errorf("devices out of order: %s, %s", devices[0].Name, devices[1].Name)
	}
	if devices[0].State != "Ready" || devices[0].Generation != 1 {
		t.Errorf("pdu1: state=%s generation=%d", devices[0].State, devices[0].Generation)
	}
	if devices[0].ReadOnly || !devices[1].ReadOnly {
		t.Error("read-only flags wrong")
	}
	if devices[0].Units != nil {
		t.Error("list should not include unit details")
	}
}

func TestDeviceDetails(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, nil, "GET", "/api/pdu1/", nil)
	expectStatus(t, resp, http.StatusOK)
	var dev DeviceResponse
	decode(t, resp, &dev)
	if len(dev.Units) != 1 {
		t.Fatalf("expected 1 unit, got %d", len(dev.Units))
	}

	expectStatus(t, f.do(t, nil, "GET", "/api/nope/", nil), http.StatusNotFound)
	expectStatus(t, f.do(t, nil, "GET", "/api/nope/readings", nil), http.StatusNotFound)
}

func TestHealth(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, nil, "GET", "/api/pdu1/health", nil)
	expectStatus(t, resp, http.StatusOK)
	var h pduman.Health
	decode(t, resp, &h)
	if !h.Online || h.Device != "pdu1" {
		t.Errorf("health = %+v", h)
	}
}

func TestSnapshot(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, nil, "GET", "/api/pdu1/snapshot", nil)
	expectStatus(t, resp, http.StatusOK)
	var snap struct {
		Generation uint64                     `json:"generation"`
		Units      []string                   `json:"units"`
		Values     map[string]json.RawMessage `json:"values"`
	}
	decode(t, resp, &snap)
	if len(snap.Units) != 1 || snap.Units[0] != "0" {
		t.Errorf("units = %v", snap.Units)
	}
	if string(snap.Values[mib.UnitPartNumber.Resolve("0", 0)]) != `"EMAB03"` {
		t.Errorf("part number = %s", snap.Values[mib.UnitPartNumber.Resolve("0", 0)])
	}
}

func TestSnapshotValue(t *testing.T) {
	f := newFixture(t)
	oid := mib.UnitPartNumber.Resolve("0", 0)

	resp := f.do(t, nil, "GET", "/api/pdu1/snapshot/"+oid, nil)
	expectStatus(t, resp, http.StatusOK)
	var v struct {
		Value interface{} `json:"value"`
		Found bool        `json:"found"`
	}
	decode(t, resp, &v)
	if !v.Found || v.Value != "EMAB03" {
		t.Errorf("value = %+v", v)
	}

	expectStatus(t, f.do(t, nil, "GET", "/api/pdu1/snapshot/1.2.3", nil), http.StatusNotFound)

	resp = f.do(t, nil, "GET", "/api/pdu1/snapshot/1.2.3?default=n/a", nil)
	expectStatus(t, resp, http.StatusOK)
	v.Found = true
	decode(t, resp, &v)
	if v.Found || v.Value != "n/a" {
		t.Errorf("default value = %+v", v)
	}
}

func TestReadingsAndOutlets(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, nil, "GET", "/api/pdu1/readings", nil)
	expectStatus(t, resp, http.StatusOK)
	var readings []sensor.Reading
	decode(t, resp, &readings)
	if len(readings) == 0 {
		t.Error("expected readings")
	}

	resp = f.do(t, nil, "GET", "/api/pdu1/outlets", nil)
	expectStatus(t, resp, http.StatusOK)
	var outlets []sensor.Switch
	decode(t, resp, &outlets)
	if len(outlets) != 4 {
		t.Fatalf("expected 4 outlets, got %d", len(outlets))
	}
	for _, o := range outlets {
		if !o.On {
			t.Errorf("outlet %d should start on", o.Outlet)
		}
	}
}

func TestRefresh(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, nil, "POST", "/api/pdu1/refresh", nil)
	expectStatus(t, resp, http.StatusOK)
	var out map[string]interface{}
	decode(t, resp, &out)
	if out["generation"] != float64(2) {
		t.Errorf("generation = %v, want 2", out["generation"])
	}

	f.pdus["pdu1"].FailReads(errors.New("timeout"))
	expectStatus(t, f.do(t, nil, "POST", "/api/pdu1/refresh", nil), http.StatusBadGateway)
}

func TestSetOutlet(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, nil, "POST", "/api/pdu1/outlets/0/2", map[string]bool{"on": false}, "X-Request-ID", "req-7")
	expectStatus(t, resp, http.StatusOK)
	var cmd pduman.Command
	decode(t, resp, &cmd)
	if !cmd.Success || cmd.Source != "api" || cmd.RequestID != "req-7" || cmd.ID == "" {
		t.Errorf("command = %+v", cmd)
	}

	switches, err := f.managers.pduman.Switches("pdu1")
	if err != nil {
		t.Fatal(err)
	}
	for _, s := range switches {
		if want := s.Outlet != 2; s.On != want {
			t.Errorf("outlet %d on=%v, want %v", s.Outlet, s.On, want)
		}
	}
}

func TestSetOutletErrors(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name string
		path string
		body interface{}
		want int
	}{
		{"missing on", "/api/pdu1/outlets/0/1", map[string]string{}, http.StatusBadRequest},
		{"bad outlet", "/api/pdu1/outlets/0/x", map[string]bool{"on": true}, http.StatusBadRequest},
		{"bad unit", "/api/pdu1/outlets/u/1", map[string]bool{"on": true}, http.StatusBadRequest},
		{"read-only", "/api/ro/outlets/0/1", map[string]bool{"on": true}, http.StatusForbidden},
		{"unknown device", "/api/nope/outlets/0/1", map[string]bool{"on": true}, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			expectStatus(t, f.do(t, nil, "POST", tt.path, tt.body), tt.want)
		})
	}

	f.pdus["pdu1"].FailWrites(errors.New("no such name"))
	expectStatus(t, f.do(t, nil, "POST", "/api/pdu1/outlets/0/1", map[string]bool{"on": true}), http.StatusBadGateway)
}

func TestOutletStatus(t *testing.T) {
	if outletStatus(nil) != http.StatusOK {
		t.Error("nil error")
	}
	if outletStatus(pduman.ErrReadOnly) != http.StatusForbidden {
		t.Error("read-only")
	}
	if outletStatus(errors.New("timeout")) != http.StatusBadGateway {
		t.Error("device error")
	}
}

func TestHistory(t *testing.T) {
	f := newFixture(t)

	expectStatus(t, f.do(t, nil, "GET", "/api/pdu1/history", nil), http.StatusNotFound)

	store, err := history.Open(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	f.managers.history = store
	f.managers.pduman.SetOnCommand(func(cmd pduman.Command) {
		store.Record(t.Context(), history.CommandEvent(cmd))
	})

	f.do(t, nil, "POST", "/api/pdu1/outlets/0/1", map[string]bool{"on": false})
	f.do(t, nil, "POST", "/api/pdu1/outlets/0/1", map[string]bool{"on": true})

	resp := f.do(t, nil, "GET", "/api/pdu1/history?limit=1", nil)
	expectStatus(t, resp, http.StatusOK)
	var events []history.Event
	decode(t, resp, &events)
	if len(events) != 1 || events[0].Kind != history.KindOutletCommand || !strings.Contains(events[0].Detail, "on=true") {
		t.Errorf("events = %+v", events)
	}

	expectStatus(t, f.do(t, nil, "GET", "/api/pdu1/history?limit=-1", nil), http.StatusBadRequest)
}

func TestAuthRoles(t *testing.T) {
	adminHash, err := HashPassword("secret")
	if err != nil {
		t.Fatal(err)
	}
	viewerHash, _ := HashPassword("look")
	f := newFixture(t,
		config.WebUser{Username: "admin", PasswordHash: adminHash, Role: config.RoleAdmin},
		config.WebUser{Username: "viewer", PasswordHash: viewerHash, Role: config.RoleViewer},
	)
	off := map[string]bool{"on": false}

	// Reads stay open.
	expectStatus(t, f.do(t, nil, "GET", "/api/pdu1/outlets", nil), http.StatusOK)

	resp := f.do(t, nil, "POST", "/api/pdu1/outlets/0/1", off)
	expectStatus(t, resp, http.StatusUnauthorized)
	if resp.Header.Get("WWW-Authenticate") == "" {
		t.Error("missing WWW-Authenticate header")
	}

	viewer := "Basic " + basic("viewer", "look")
	expectStatus(t, f.do(t, nil, "POST", "/api/pdu1/refresh", nil, "Authorization", viewer), http.StatusOK)
	expectStatus(t, f.do(t, nil, "POST", "/api/pdu1/outlets/0/1", off, "Authorization", viewer), http.StatusForbidden)
	expectStatus(t, f.do(t, nil, "POST", "/api/pdu1/outlets/0/1", off, "Authorization", "Basic "+basic("admin", "wrong")), http.StatusUnauthorized)
	expectStatus(t, f.do(t, nil, "POST", "/api/pdu1/outlets/0/1", off, "Authorization", "Basic "+basic("admin", "secret")), http.StatusOK)
}

func TestLoginSession(t *testing.T) {
	hash, _ := HashPassword("secret")
	f := newFixture(t, config.WebUser{Username: "admin", PasswordHash: hash, Role: config.RoleAdmin})

	jar, _ := cookiejar.New(nil)
	client := &http.Client{Jar: jar}

	expectStatus(t, f.do(t, client, "POST", "/api/login", map[string]string{"username": "admin", "password": "nope"}), http.StatusUnauthorized)
	expectStatus(t, f.do(t, client, "POST", "/api/login", map[string]string{"username": "admin"}), http.StatusBadRequest)

	resp := f.do(t, client, "POST", "/api/login", map[string]string{"username": "admin", "password": "secret"})
	expectStatus(t, resp, http.StatusOK)
	var who map[string]string
	decode(t, resp, &who)
	if who["role"] != config.RoleAdmin {
		t.Errorf("login = %v", who)
	}

	expectStatus(t, f.do(t, client, "POST", "/api/pdu1/outlets/0/3", map[string]bool{"on": false}), http.StatusOK)

	expectStatus(t, f.do(t, client, "POST", "/api/logout", nil), http.StatusNoContent)
	expectStatus(t, f.do(t, client, "POST", "/api/pdu1/refresh", nil), http.StatusUnauthorized)
}

func basic(user, pass string) string {
	req, _ := http.NewRequest("GET", "/", nil)
	req.SetBasicAuth(user, pass)
	return strings.TrimPrefix(req.Header.Get("Authorization"), "Basic ")
}

func TestEventStream(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, nil, "GET", "/api/events?types=outlet-command&device=pdu1", nil)
	expectStatus(t, resp, http.StatusOK)
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	lines := make(chan string, 32)
	go func() {
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	next := func() string {
		select {
		case l, ok := <-lines:
			if !ok {
				t.Fatal("stream closed")
			}
			return l
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for event")
		}
		return ""
	}

	if l := next(); l != "event: connected" {
		t.Fatalf("first line = %q", l)
	}
	next() // data
	next() // blank

	events := f.server.Events()
	events.PublishStatus(pduman.StatusChange{Device: "pdu1", StateName: "failed"})
	events.PublishCommand(pduman.Command{ID: "other", Device: "ro"})
	events.PublishCommand(pduman.Command{ID: "c1", Device: "pdu1", Success: true})

	if l := next(); l != "event: "+EventOutletCommand {
		t.Fatalf("event line = %q", l)
	}
	data := strings.TrimPrefix(next(), "data: ")
	var cmd pduman.Command
	if err := json.Unmarshal([]byte(data), &cmd); err != nil {
		t.Fatal(err)
	}
	if cmd.ID != "c1" {
		t.Errorf("got command %q, filters not applied", cmd.ID)
	}
}

func TestServerStartAndStop(t *testing.T) {
	cfg := &config.Config{Web: config.WebConfig{Host: "127.0.0.1", Port: 0, API: config.WebAPIConfig{Enabled: true}}}
	server := NewServer(&cfg.Web, &testManagers{cfg: cfg, pduman: pduman.NewManager(time.Hour)})

	if server.IsRunning() {
		t.Error("server should not be running initially")
	}
	if server.Address() != "http://127.0.0.1:0" {
		t.Errorf("address = %s", server.Address())
	}

	if err := server.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if !server.IsRunning() {
		t.Error("server should be running")
	}

	resp, err := http.Get(server.Address() + "/api/")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}

	if err := server.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if server.IsRunning() {
		t.Error("server should not be running after Stop")
	}
}

func TestAPIDisabled(t *testing.T) {
	cfg := &config.Config{Web: config.WebConfig{Host: "127.0.0.1"}}
	server := NewServer(&cfg.Web, &testManagers{cfg: cfg, pduman: pduman.NewManager(time.Hour)})
	defer server.Stop()

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/api/", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

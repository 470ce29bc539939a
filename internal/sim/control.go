package sim

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/lowaak/smart-trainer/cadence-monitor/internal/ftms"
)

// State is the peripheral snapshot served by the control API
type State struct {
	Address    string  `json:"address"`
	Powered    bool    `json:"powered"`
	Connected  bool    `json:"connected"`
	Subscribed bool    `json:"subscribed"`
	Connects   int     `json:"connects"`
	HasCadence bool    `json:"hasCadence"`
	Cadence    float64 `json:"cadence"`
	HasPower   bool    `json:"hasPower"`
	Power      float64 `json:"power"`
}

func (p *Peripheral) State() State {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return State{
		Address:    p.address,
		Powered:    p.powered,
		Connected:  p.conn != nil,
		Subscribed: p.conn != nil && p.conn.handler != nil,
		Connects:   p.connects,
		HasCadence: p.reading.HasCadence,
		Cadence:    p.reading.Cadence,
		HasPower:   p.reading.HasPower,
		Power:      p.reading.Power,
	}
}

// Handler returns the HTTP control API.
//
//	GET  /api/state
//	POST /api/set?cadence=85.5&power=210   ("none" clears a field)
//	POST /api/emit
//	POST /api/disconnect
//	POST /api/power?on=false
func (p *Peripheral) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/state", p.handleGetState)
	mux.HandleFunc("/api/set", p.postOnly(p.handleSetValues))
	mux.HandleFunc("/api/emit", p.postOnly(p.handleEmit))
	mux.HandleFunc("/api/disconnect", p.postOnly(p.handleDisconnect))
	mux.HandleFunc("/api/power", p.postOnly(p.handlePower))
	return mux
}

func (p *Peripheral) postOnly(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		h(w, r)
	}
}

func (p *Peripheral) handleGetState(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(p.State()); err != nil {
		p.logger.Printf("Peripheral: Error encoding state: %v", err)
	}
}

func (p *Peripheral) handleSetValues(w http.ResponseWriter, r *http.Request) {
	reading := p.Reading()
	q := r.URL.Query()

	if err := parseField(q.Get("cadence"), ftms.CheckCadence, &reading.HasCadence, &reading.Cadence); err != nil {
		http.Error(w, "invalid cadence: "+err.Error(), http.StatusBadRequest)
		return
	}
	if err := parseField(q.Get("power"), ftms.CheckPower, &reading.HasPower, &reading.Power); err != nil {
		http.Error(w, "invalid power: "+err.Error(), http.StatusBadRequest)
		return
	}

	p.SetReading(reading)
	p.logger.Printf("Peripheral: Values set: %+v", reading)
	w.WriteHeader(http.StatusOK)
}

func (p *Peripheral) handleEmit(w http.ResponseWriter, r *http.Request) {
	if !p.EmitReading() {
		http.Error(w, "no subscriber", http.StatusConflict)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (p *Peripheral) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	if !p.DropConnection() {
		http.Error(w, "not connected", http.StatusConflict)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (p *Peripheral) handlePower(w http.ResponseWriter, r *http.Request) {
	on, err := strconv.ParseBool(r.URL.Query().Get("on"))
	if err != nil {
		http.Error(w, "invalid on", http.StatusBadRequest)
		return
	}
	p.SetPowered(on)
	w.WriteHeader(http.StatusOK)
}

// parseField applies a query value: "" leaves the field alone, "none"
// clears it, anything else must be a number the frame can carry.
func parseField(raw string, check func(float64) error, has *bool, value *float64) error {
	switch raw {
	case "":
		return nil
	case "none":
		*has = false
		*value = 0
		return nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return err
	}
	if err := check(v); err != nil {
		return err
	}
	*has = true
	*value = v
	return nil
}

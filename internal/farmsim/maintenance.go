package farmsim

import (
	"encoding/json"
	"net"
	"net/http"

	"github.com/sirupsen/logrus"
)

// maintenance guards the mode switch to callers from allowed networks.
type maintenance struct {
	farm     *Farm
	networks []*net.IPNet
	log      logrus.FieldLogger
}

func newMaintenance(farm *Farm, cidrs []string, log logrus.FieldLogger) *maintenance {
	m := &maintenance{farm: farm, log: log}
	for _, c := range cidrs {
		_, network, err := net.ParseCIDR(c)
		if err != nil {
			log.WithField("cidr", c).Warn("Invalid maintenance CIDR ignored")
			continue
		}
		m.networks = append(m.networks, network)
	}
	return m
}

// allowed reports whether the caller's address is in an allowed network.
func (m *maintenance) allowed(r *http.Request) bool {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return false
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	for _, n := range m.networks {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

type modeRequest struct {
	Mode string `json:"mode"`
}

// handleMode serves GET and PUT /maintenance/mode.
func (m *maintenance) handleMode(w http.ResponseWriter, r *http.Request) {
	if !m.allowed(r) {
		m.log.WithField("remote", r.RemoteAddr).Warn("Rejected maintenance request (not in allowed CIDRs)")
		writeDetail(w, http.StatusForbidden, "FORBIDDEN: maintenance not allowed from this address")
		return
	}

	if r.Method == http.MethodPut {
		var req modeRequest
		dec := json.NewDecoder(r.Body)
		dec.DisallowUnknownFields()
		if err := dec.Decode(&req); err != nil {
			writeDetail(w, http.StatusBadRequest, "malformed JSON or unknown fields")
			return
		}
		if err := m.farm.SetMode(req.Mode); err != nil {
			writeDetail(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	writeJSON(w, http.StatusOK, modeRequest{Mode: m.farm.Mode()})
}

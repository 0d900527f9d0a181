package farmsim

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/solar-fleet/sfc/internal/alerts"
	"github.com/solar-fleet/sfc/internal/telemetry"
)

// Farm errors.
var (
	ErrNotFound    = errors.New("NOT_FOUND")
	ErrUnavailable = errors.New("UNAVAILABLE")
	ErrBusy        = errors.New("BUSY")
	ErrStopped     = errors.New("farm stopped")
)

const (
	nominalVoltage  = 19.5
	nominalCurrent  = 5.0
	panelCapacityW  = 500
	maxDust         = 800.0
	waterPerPanelL  = 2.3
	cleanDurationS  = 120

	// Sensor efficiency is measured against this current, not the nominal one.
	ratedCurrent     = 5.5
	maxSensorHistory = 10000
)

// cleaningRule decides whether a panel needs cleaning.
var cleaningRule = telemetry.Thresholds{MaxContamination: 300, MinEfficiency: 85}

// Panel is one simulated panel.
type Panel struct {
	ID            string    `json:"panel_id"`
	SectorID      string    `json:"sector_id"`
	Capacity      int       `json:"capacity"`
	Efficiency    float64   `json:"current_efficiency"`
	DustLevel     float64   `json:"dust_level"`
	Voltage       float64   `json:"voltage"`
	LastCleaned   time.Time `json:"last_cleaned"`
	NeedsCleaning bool      `json:"needs_cleaning"`
}

func (p *Panel) dirty() bool {
	return cleaningRule.NeedsAction(telemetry.Reading{Efficiency: p.Efficiency, Contamination: p.DustLevel})
}

// Sector is one grid cell of the farm.
type Sector struct {
	ID                    string  `json:"sector_id"`
	Row                   int     `json:"row"`
	Col                   int     `json:"col"`
	PanelCount            int     `json:"panel_count"`
	TotalCapacity         int     `json:"total_capacity"`
	AverageEfficiency     float64 `json:"average_efficiency"`
	PanelsNeedingCleaning int     `json:"panels_needing_cleaning"`
	TotalPowerOutput      float64 `json:"total_power_output"`
}

// PanelCleanResult is returned by a panel clean.
type PanelCleanResult struct {
	Message           string  `json:"message"`
	PanelID           string  `json:"panel_id"`
	EstimatedDuration int     `json:"estimated_duration"`
	WaterUsage        float64 `json:"water_usage"`
	Status            string  `json:"status"`
	NewEfficiency     float64 `json:"new_efficiency"`
	NewDustLevel      float64 `json:"new_dust_level"`
}

// SectorCleanResult is returned by a sector clean.
type SectorCleanResult struct {
	SectorID                string  `json:"sector_id"`
	PanelsCleaned           int     `json:"panels_cleaned"`
	TotalWaterUsed          float64 `json:"total_water_used"`
	EstimatedEfficiencyGain float64 `json:"estimated_efficiency_gain"`
	Status                  string  `json:"status"`
}

// Statistics summarizes the whole farm.
type Statistics struct {
	TotalPanels           int     `json:"total_panels"`
	TotalSectors          int     `json:"total_sectors"`
	OverallEfficiency     float64 `json:"overall_efficiency"`
	PanelsNeedingCleaning int     `json:"panels_needing_cleaning"`
	CleaningPercentage    float64 `json:"cleaning_percentage"`
	TotalPowerOutputKW    float64 `json:"total_power_output_kw"`
	Cleanings             int     `json:"cleanings"`
	SensorReadings        int     `json:"sensor_readings"`
	Mode                  string  `json:"mode"`
}

// SensorData is one reading submitted by a panel sensor.
type SensorData struct {
	PanelID     string
	Voltage     float64
	Current     float64
	Temperature float64
	DustLevel   float64
	Timestamp   time.Time
}

// SensorReading is a stored sensor submission.
type SensorReading struct {
	PanelID     string    `json:"panel_id"`
	SectorID    string    `json:"sector_id"`
	Voltage     float64   `json:"voltage"`
	Current     float64   `json:"current"`
	Temperature float64   `json:"temperature"`
	DustLevel   float64   `json:"dust_level"`
	Efficiency  float64   `json:"efficiency"`
	Timestamp   time.Time `json:"timestamp"`
}

// SensorResult acknowledges a sensor submission.
type SensorResult struct {
	Message       string  `json:"message"`
	PanelID       string  `json:"panel_id"`
	SectorID      string  `json:"sector_id"`
	Efficiency    float64 `json:"efficiency"`
	NeedsCleaning bool    `json:"needs_cleaning"`
}

// AlertSummary lists sectors with poor performance.
type AlertSummary struct {
	TotalAlerts             int           `json:"total_alerts"`
	HighPrioritySectors     int           `json:"high_priority_sectors"`
	SectorsNeedingAttention []string      `json:"sectors_needing_attention"`
	Alerts                  []SectorAlert `json:"alerts"`
}

// SectorAlert is one flagged sector.
type SectorAlert struct {
	SectorID       string  `json:"sector_id"`
	Type           string  `json:"type"`
	Severity       string  `json:"severity"`
	Message        string  `json:"message"`
	AvgEfficiency  float64 `json:"avg_efficiency"`
	PanelsAffected int     `json:"panels_affected"`
}

// Frame is one push message, in the farm's wire format.
type Frame struct {
	Timestamp       string          `json:"timestamp"`
	FarmStatistics  FrameStatistics `json:"farm_statistics"`
	SectorSummaries []FrameSector   `json:"sector_summaries"`
	SamplePanels    []FramePanel    `json:"sample_panels"`
	Weather         Weather         `json:"weather"`
}

// FrameStatistics is the farm-wide part of a frame.
type FrameStatistics struct {
	TotalEfficiency       float64 `json:"total_efficiency"`
	PanelsNeedingCleaning int     `json:"panels_needing_cleaning"`
	TotalPowerOutputMW    float64 `json:"total_power_output_mw"`
	CleaningPercentage    float64 `json:"cleaning_percentage"`
}

// FrameSector is a sector summary inside a frame.
type FrameSector struct {
	SectorID              string  `json:"sector_id"`
	Efficiency            float64 `json:"efficiency"`
	PanelsNeedingCleaning int     `json:"panels_needing_cleaning"`
}

// FramePanel is a sampled panel inside a frame.
type FramePanel struct {
	ID          string  `json:"id"`
	Sector      string  `json:"sector"`
	Voltage     float64 `json:"voltage"`
	Current     float64 `json:"current"`
	Efficiency  float64 `json:"efficiency"`
	DustLevel   float64 `json:"dust_level"`
	Temperature float64 `json:"temperature"`
	PowerOutput float64 `json:"power_output"`
}

// Weather is decorative frame content.
type Weather struct {
	Temperature float64 `json:"temperature"`
	Humidity    float64 `json:"humidity"`
	WindSpeed   float64 `json:"wind_speed"`
	Conditions  string  `json:"conditions"`
}

// command is one request to the farm worker.
type command struct {
	kind     string
	target   string
	payload  interface{}
	response chan commandResponse
}

type commandResponse struct {
	result interface{}
	err    error
}

// Farm owns the simulated panels. A single worker goroutine processes
// commands and drift ticks in FIFO order.
type Farm struct {
	cfg    FarmConfig
	timing TimingConfig
	log    logrus.FieldLogger
	now    func() time.Time
	rules  alerts.Rules

	// Owned by the worker.
	rng         *rand.Rand
	panels      map[string]*Panel
	panelOrder  []string
	sectors     map[string]*Sector
	sectorOrder []string
	members     map[string][]string
	cleanings   int
	history     []SensorReading

	modeMu sync.RWMutex
	mode   string

	commands chan command
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewFarm generates a farm and starts its worker.
func NewFarm(cfg *Config, log logrus.FieldLogger) *Farm {
	if log == nil {
		log = logrus.StandardLogger()
	}
	seed := cfg.Farm.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	ctx, cancel := context.WithCancel(context.Background())
	f := &Farm{
		cfg:      cfg.Farm,
		timing:   cfg.Timing,
		log:      log.WithField("component", "farm"),
		now:      time.Now,
		rules:    alerts.DefaultRules(cleaningRule),
		rng:      rand.New(rand.NewSource(seed)),
		mode:     cfg.Mode,
		commands: make(chan command, 100),
		ctx:      ctx,
		cancel:   cancel,
	}
	f.generate()
	f.log.WithFields(logrus.Fields{"panels": len(f.panels), "sectors": len(f.sectors)}).Info("Farm generated")

	f.wg.Add(1)
	go f.worker()
	return f
}

// generate lays out the sector grid A1..I9 with about TotalPanels panels.
func (f *Farm) generate() {
	side := f.cfg.SectorsPerSide
	perSector := f.cfg.TotalPanels / (side * side)
	now := f.now()

	f.panels = make(map[string]*Panel)
	f.sectors = make(map[string]*Sector)
	f.members = make(map[string][]string)

	next := 1
	for row := 0; row < side; row++ {
		for col := 0; col < side; col++ {
			id := fmt.Sprintf("%c%d", 'A'+row, col+1)
			sector := &Sector{ID: id, Row: row, Col: col}
			f.sectors[id] = sector
			f.sectorOrder = append(f.sectorOrder, id)

			count := perSector
			if v := f.cfg.Variation; v > 0 {
				count += f.rng.Intn(2*v+1) - v
			}
			for i := 0; i < count; i++ {
				p := &Panel{
					ID:          fmt.Sprintf("PNL-%04d", next),
					SectorID:    id,
					Capacity:    panelCapacityW,
					LastCleaned: now.Add(-time.Duration(1+f.rng.Intn(14)) * 24 * time.Hour),
				}
				p.Efficiency, p.DustLevel = f.initialCondition()
				p.Voltage = nominalVoltage * p.Efficiency / 100
				p.NeedsCleaning = p.dirty()

				f.panels[p.ID] = p
				f.panelOrder = append(f.panelOrder, p.ID)
				f.members[id] = append(f.members[id], p.ID)
				sector.PanelCount++
				sector.TotalCapacity += panelCapacityW
				next++
			}
		}
	}
}

// initialCondition draws a starting state: 60% good, 25% fair, 15% dirty.
func (f *Farm) initialCondition() (eff, dust float64) {
	switch r := f.rng.Float64(); {
	case r < 0.6:
		return f.uniform(88, 95), f.uniform(100, 250)
	case r < 0.85:
		return f.uniform(82, 88), f.uniform(250, 350)
	default:
		return f.uniform(75, 82), f.uniform(350, 500)
	}
}

func (f *Farm) uniform(lo, hi float64) float64 {
	return lo + f.rng.Float64()*(hi-lo)
}

func (f *Farm) worker() {
	defer f.wg.Done()

	ticker := time.NewTicker(f.timing.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case cmd := <-f.commands:
			f.processCommand(cmd)
		case <-ticker.C:
			f.drift()
		case <-f.ctx.Done():
			return
		}
	}
}

func (f *Farm) processCommand(cmd command) {
	var resp commandResponse
	switch cmd.kind {
	case "tick":
		f.drift()
	case "cleanPanel":
		resp = f.handleCleanPanel(cmd.target)
	case "cleanSector":
		resp = f.handleCleanSector(cmd.target)
	case "frame":
		resp = f.handleFrame()
	case "panel":
		if p, ok := f.panels[cmd.target]; ok {
			resp.result = *p
		} else {
			resp.err = ErrNotFound
		}
	case "panels":
		resp = f.handlePanels(cmd.target)
	case "sectors":
		resp.result = f.handleSectors()
	case "statistics":
		resp.result = f.handleStatistics()
	case "sensor":
		resp = f.handleSensorData(cmd.payload.(SensorData))
	case "alerts":
		resp.result = f.handleAlerts()
	default:
		resp.err = fmt.Errorf("unknown command %q", cmd.kind)
	}
	cmd.response <- resp
}

// drift accumulates dust on every panel and recomputes its efficiency.
func (f *Farm) drift() {
	for _, id := range f.panelOrder {
		p := f.panels[id]
		p.DustLevel = math.Min(maxDust, p.DustLevel+f.uniform(0, 0.5))
		base := 95 - (p.DustLevel/1000)*15
		p.Efficiency = math.Max(70, base+f.uniform(-1, 1))
		p.Voltage = nominalVoltage * p.Efficiency / 100
		p.NeedsCleaning = p.dirty()
	}
}

func (f *Farm) clean(p *Panel) {
	p.DustLevel = f.uniform(50, 150)
	p.Efficiency = f.uniform(92, 98)
	p.Voltage = nominalVoltage * p.Efficiency / 100
	p.LastCleaned = f.now()
	p.NeedsCleaning = false
	f.cleanings++
}

func (f *Farm) handleCleanPanel(id string) commandResponse {
	if f.Mode() == ModeDegraded {
		return commandResponse{err: ErrUnavailable}
	}
	p, ok := f.panels[id]
	if !ok {
		return commandResponse{err: ErrNotFound}
	}
	f.clean(p)
	return commandResponse{result: PanelCleanResult{
		Message:           fmt.Sprintf("Cleaning initiated for panel %s", id),
		PanelID:           id,
		EstimatedDuration: cleanDurationS,
		WaterUsage:        waterPerPanelL,
		Status:            "completed",
		NewEfficiency:     p.Efficiency,
		NewDustLevel:      p.DustLevel,
	}}
}

// handleCleanSector cleans only the panels that need it.
func (f *Farm) handleCleanSector(id string) commandResponse {
	if f.Mode() == ModeDegraded {
		return commandResponse{err: ErrUnavailable}
	}
	members, ok := f.members[id]
	if !ok || len(members) == 0 {
		return commandResponse{err: ErrNotFound}
	}
	cleaned := 0
	for _, pid := range members {
		if p := f.panels[pid]; p.dirty() {
			f.clean(p)
			cleaned++
		}
	}
	return commandResponse{result: SectorCleanResult{
		SectorID:                id,
		PanelsCleaned:           cleaned,
		TotalWaterUsed:          round(float64(cleaned)*waterPerPanelL, 2),
		EstimatedEfficiencyGain: round(float64(cleaned)*10/float64(len(members)), 2),
		Status:                  "completed",
	}}
}

func (f *Farm) handleFrame() commandResponse {
	if f.Mode() == ModeOffline {
		return commandResponse{err: ErrUnavailable}
	}

	stats := f.handleStatistics()
	frame := Frame{
		Timestamp: f.now().UTC().Format("2006-01-02T15:04:05.999999"),
		FarmStatistics: FrameStatistics{
			TotalEfficiency:       stats.OverallEfficiency,
			PanelsNeedingCleaning: stats.PanelsNeedingCleaning,
			TotalPowerOutputMW:    round(stats.TotalPowerOutputKW/1000, 2),
			CleaningPercentage:    stats.CleaningPercentage,
		},
		SectorSummaries: []FrameSector{},
		SamplePanels:    []FramePanel{},
		Weather: Weather{
			Temperature: round(32+f.uniform(-2, 2), 1),
			Humidity:    math.Round(45 + f.uniform(-5, 5)),
			WindSpeed:   round(3.5+f.uniform(-1, 1), 1),
			Conditions:  "clear",
		},
	}

	limit := f.cfg.SummaryLimit
	if limit <= 0 || limit > len(f.sectorOrder) {
		limit = len(f.sectorOrder)
	}
	for _, id := range f.sectorOrder[:limit] {
		s := f.sectorStats(id)
		frame.SectorSummaries = append(frame.SectorSummaries, FrameSector{
			SectorID:              id,
			Efficiency:            round(s.AverageEfficiency, 1),
			PanelsNeedingCleaning: s.PanelsNeedingCleaning,
		})
	}

	n := f.cfg.SampleSize
	if n > len(f.panelOrder) {
		n = len(f.panelOrder)
	}
	for _, i := range f.rng.Perm(len(f.panelOrder))[:n] {
		p := f.panels[f.panelOrder[i]]
		frame.SamplePanels = append(frame.SamplePanels, FramePanel{
			ID:          p.ID,
			Sector:      p.SectorID,
			Voltage:     round(p.Voltage, 2),
			Current:     round(nominalCurrent+f.uniform(-0.3, 0.3), 2),
			Efficiency:  round(p.Efficiency, 1),
			DustLevel:   math.Round(p.DustLevel),
			Temperature: round(32+f.uniform(-3, 3), 1),
			PowerOutput: round(p.Voltage*nominalCurrent, 1),
		})
	}
	return commandResponse{result: frame}
}

func (f *Farm) handlePanels(sectorID string) commandResponse {
	ids := f.panelOrder
	if sectorID != "" {
		members, ok := f.members[sectorID]
		if !ok {
			return commandResponse{err: ErrNotFound}
		}
		ids = members
	}
	out := make([]Panel, 0, len(ids))
	for _, id := range ids {
		out = append(out, *f.panels[id])
	}
	return commandResponse{result: out}
}

func (f *Farm) handleSectors() []Sector {
	out := make([]Sector, 0, len(f.sectorOrder))
	for _, id := range f.sectorOrder {
		out = append(out, f.sectorStats(id))
	}
	return out
}

func (f *Farm) sectorStats(id string) Sector {
	s := *f.sectors[id]
	var eff, power float64
	dirty := 0
	for _, pid := range f.members[id] {
		p := f.panels[pid]
		eff += p.Efficiency
		power += p.Voltage * nominalCurrent
		if p.dirty() {
			dirty++
		}
	}
	if n := len(f.members[id]); n > 0 {
		s.AverageEfficiency = eff / float64(n)
	}
	s.PanelsNeedingCleaning = dirty
	s.TotalPowerOutput = power
	return s
}

func (f *Farm) handleStatistics() Statistics {
	var eff, power float64
	dirty := 0
	for _, id := range f.panelOrder {
		p := f.panels[id]
		eff += p.Efficiency
		power += p.Voltage * nominalCurrent
		if p.dirty() {
			dirty++
		}
	}
	n := float64(len(f.panels))
	return Statistics{
		TotalPanels:           len(f.panels),
		TotalSectors:          len(f.sectors),
		OverallEfficiency:     round(eff/n, 2),
		PanelsNeedingCleaning: dirty,
		CleaningPercentage:    round(float64(dirty)/n*100, 2),
		TotalPowerOutputKW:    round(power/1000, 2),
		Cleanings:             f.cleanings,
		SensorReadings:        len(f.history),
		Mode:                  f.Mode(),
	}
}

// handleSensorData overwrites a panel's state with a sensor reading.
func (f *Farm) handleSensorData(d SensorData) commandResponse {
	p, ok := f.panels[d.PanelID]
	if !ok {
		return commandResponse{err: ErrNotFound}
	}
	eff := sensorEfficiency(d.Voltage, d.Current)
	p.Voltage = d.Voltage
	p.Efficiency = eff
	p.DustLevel = d.DustLevel
	p.NeedsCleaning = p.dirty()

	ts := d.Timestamp
	if ts.IsZero() {
		ts = f.now()
	}
	f.history = append(f.history, SensorReading{
		PanelID:     p.ID,
		SectorID:    p.SectorID,
		Voltage:     d.Voltage,
		Current:     d.Current,
		Temperature: d.Temperature,
		DustLevel:   d.DustLevel,
		Efficiency:  eff,
		Timestamp:   ts,
	})
	if over := len(f.history) - maxSensorHistory; over > 0 {
		f.history = append(f.history[:0], f.history[over:]...)
	}

	return commandResponse{result: SensorResult{
		Message:       "Data received",
		PanelID:       p.ID,
		SectorID:      p.SectorID,
		Efficiency:    eff,
		NeedsCleaning: p.NeedsCleaning,
	}}
}

// sensorEfficiency is measured power over rated power, clamped to [0,100].
func sensorEfficiency(voltage, current float64) float64 {
	eff := voltage * current / (nominalVoltage * ratedCurrent) * 100
	return math.Min(100, math.Max(0, eff))
}

func (f *Farm) handleAlerts() AlertSummary {
	groups := make([]alerts.Group, 0, len(f.sectorOrder))
	for _, id := range f.sectorOrder {
		n := len(f.members[id])
		if n == 0 {
			continue
		}
		s := f.sectorStats(id)
		groups = append(groups, alerts.Group{
			GroupID:           id,
			AverageEfficiency: s.AverageEfficiency,
			UnitsAffected:     s.PanelsNeedingCleaning,
			AffectedShare:     alerts.Share(s.PanelsNeedingCleaning, n),
		})
	}

	report := f.rules.Evaluate(groups)
	out := AlertSummary{
		TotalAlerts:             report.TotalAlerts,
		HighPrioritySectors:     report.HighPriority,
		SectorsNeedingAttention: report.NeedingAttention,
		Alerts:                  make([]SectorAlert, 0, len(report.Alerts)),
	}
	for _, a := range report.Alerts {
		out.Alerts = append(out.Alerts, SectorAlert{
			SectorID:       a.GroupID,
			Type:           a.Type,
			Severity:       a.Severity,
			Message:        a.Message,
			AvgEfficiency:  a.AverageEfficiency,
			PanelsAffected: a.UnitsAffected,
		})
	}
	return out
}

// execute queues a command and waits for its response.
func (f *Farm) execute(ctx context.Context, kind, target string) (interface{}, error) {
	return f.submit(ctx, command{kind: kind, target: target})
}

func (f *Farm) submit(ctx context.Context, cmd command) (interface{}, error) {
	cmd.response = make(chan commandResponse, 1)

	timer := time.NewTimer(f.timing.QueueTimeout)
	defer timer.Stop()

	select {
	case f.commands <- cmd:
	case <-timer.C:
		return nil, ErrBusy
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-f.ctx.Done():
		return nil, ErrStopped
	}

	select {
	case resp := <-cmd.response:
		return resp.result, resp.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-f.ctx.Done():
		return nil, ErrStopped
	}
}

// Tick advances dust drift by one step.
func (f *Farm) Tick(ctx context.Context) error {
	_, err := f.execute(ctx, "tick", "")
	return err
}

// CleanPanel cleans one panel.
func (f *Farm) CleanPanel(ctx context.Context, id string) (PanelCleanResult, error) {
	res, err := f.execute(ctx, "cleanPanel", id)
	if err != nil {
		return PanelCleanResult{}, err
	}
	return res.(PanelCleanResult), nil
}

// CleanSector cleans every panel in the sector that needs cleaning.
func (f *Farm) CleanSector(ctx context.Context, id string) (SectorCleanResult, error) {
	res, err := f.execute(ctx, "cleanSector", id)
	if err != nil {
		return SectorCleanResult{}, err
	}
	return res.(SectorCleanResult), nil
}

// Frame builds the next push message. It fails with ErrUnavailable while
// the farm is offline.
func (f *Farm) Frame(ctx context.Context) (Frame, error) {
	res, err := f.execute(ctx, "frame", "")
	if err != nil {
		return Frame{}, err
	}
	return res.(Frame), nil
}

// Panel returns one panel.
func (f *Farm) Panel(ctx context.Context, id string) (Panel, error) {
	res, err := f.execute(ctx, "panel", id)
	if err != nil {
		return Panel{}, err
	}
	return res.(Panel), nil
}

// Panels lists panels, optionally restricted to one sector.
func (f *Farm) Panels(ctx context.Context, sectorID string) ([]Panel, error) {
	res, err := f.execute(ctx, "panels", sectorID)
	if err != nil {
		return nil, err
	}
	return res.([]Panel), nil
}

// Sectors lists sectors with fresh aggregates.
func (f *Farm) Sectors(ctx context.Context) ([]Sector, error) {
	res, err := f.execute(ctx, "sectors", "")
	if err != nil {
		return nil, err
	}
	return res.([]Sector), nil
}

// Statistics returns farm-wide aggregates.
func (f *Farm) Statistics(ctx context.Context) (Statistics, error) {
	res, err := f.execute(ctx, "statistics", "")
	if err != nil {
		return Statistics{}, err
	}
	return res.(Statistics), nil
}

// SubmitSensorData applies a sensor reading to its panel.
func (f *Farm) SubmitSensorData(ctx context.Context, d SensorData) (SensorResult, error) {
	res, err := f.submit(ctx, command{kind: "sensor", target: d.PanelID, payload: d})
	if err != nil {
		return SensorResult{}, err
	}
	return res.(SensorResult), nil
}

// Alerts evaluates sector alerts on the current farm state.
func (f *Farm) Alerts(ctx context.Context) (AlertSummary, error) {
	res, err := f.execute(ctx, "alerts", "")
	if err != nil {
		return AlertSummary{}, err
	}
	return res.(AlertSummary), nil
}

// SectorIDs returns the sector grid in row order.
func (f *Farm) SectorIDs() []string {
	out := append([]string(nil), f.sectorOrder...)
	return out
}

// Mode returns the current mode.
func (f *Farm) Mode() string {
	f.modeMu.RLock()
	defer f.modeMu.RUnlock()
	return f.mode
}

// SetMode switches the simulated failure mode.
func (f *Farm) SetMode(mode string) error {
	if !validMode(mode) {
		return fmt.Errorf("invalid mode %q", mode)
	}
	f.modeMu.Lock()
	prev := f.mode
	f.mode = mode
	f.modeMu.Unlock()
	if prev != mode {
		f.log.WithFields(logrus.Fields{"from": prev, "to": mode}).Info("Farm mode changed")
	}
	return nil
}

// Close stops the worker.
func (f *Farm) Close() error {
	f.cancel()

	done := make(chan struct{})
	go func() {
		f.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(10 * time.Second):
		return fmt.Errorf("shutdown timeout")
	}
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}

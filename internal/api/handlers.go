package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"apipulse/internal/anomaly"
	"apipulse/internal/forecast"
	"apipulse/internal/model"
)

const maxBodyBytes = 1 << 20

type statusResponse struct {
	Status     string       `json:"status"`
	Time       string       `json:"time"`
	Uptime     string       `json:"uptime"`
	Version    string       `json:"version"`
	ConfigPath string       `json:"config_path"`
	Storage    string       `json:"storage"`
	Ingest     ingestStatus `json:"ingest"`
	Scheduler  bool         `json:"scheduler"`
	Notify     bool         `json:"notify"`
}

type ingestStatus struct {
	REST      bool `json:"rest"`
	FileTail  bool `json:"file_tail"`
	TCPStream bool `json:"tcp_stream"`
	Kafka     bool `json:"kafka"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	cfg := s.cfg.Get()
	resp := statusResponse{
		Status:     "ok",
		Time:       time.Now().UTC().Format(time.RFC3339Nano),
		Uptime:     time.Since(s.started).Round(time.Second).String(),
		Version:    s.version,
		ConfigPath: s.cfg.Path(),
		Storage:    cfg.Storage.Driver,
		Ingest: ingestStatus{
			REST:      s.deps.Ingest != nil,
			FileTail:  cfg.Ingest.FileTail.Enabled,
			TCPStream: cfg.Ingest.TCPStream.Enabled,
			Kafka:     cfg.Ingest.Kafka.Enabled,
		},
		Scheduler: cfg.Scheduler.Enabled,
		Notify:    cfg.Notify.Enabled,
	}
	if s.deps.Store != nil {
		if err := s.deps.Store.Ping(r.Context()); err != nil {
			resp.Status = "degraded"
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store == nil {
		unavailable(w, "store")
		return
	}
	overview, err := s.deps.Store.HealthOverview(r.Context())
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, overview)
}

func (s *Server) handleAPIs(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store == nil {
		unavailable(w, "store")
		return
	}
	apis, err := s.deps.Store.DistinctAPIs(r.Context())
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"apis": nonNil(apis), "count": len(apis)})
}

func (s *Server) handleEnvironments(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store == nil {
		unavailable(w, "store")
		return
	}
	envs, err := s.deps.Store.DistinctEnvironments(r.Context())
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"environments": nonNil(envs), "count": len(envs)})
}

// handleLogs serves GET /api/logs?environment=&since=&until= with RFC3339
// bounds; the window defaults to the trailing hour.
func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store == nil {
		unavailable(w, "store")
		return
	}
	env := r.URL.Query().Get("environment")
	if env == "" {
		writeError(w, http.StatusBadRequest, "environment required")
		return
	}
	now := time.Now().UTC()
	since, ok := queryTime(r, "since", now.Add(-time.Hour))
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid since")
		return
	}
	until, ok := queryTime(r, "until", now)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid until")
		return
	}
	logs, err := s.deps.Store.LogsByEnvironment(r.Context(), env, since, until)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"logs": nonNil(logs), "count": len(logs)})
}

func (s *Server) handleAnomalies(w http.ResponseWriter, r *http.Request) {
	if s.deps.Detector == nil {
		unavailable(w, "detector")
		return
	}
	hours, ok := queryInt(r, "hours", 24)
	if !ok || hours == 0 {
		writeError(w, http.StatusBadRequest, "invalid hours")
		return
	}
	list, err := s.deps.Detector.Recent(r.Context(), hours)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"anomalies": nonNil(list), "count": len(list)})
}

func (s *Server) handleAcknowledge(w http.ResponseWriter, r *http.Request) {
	if s.deps.Detector == nil {
		unavailable(w, "detector")
		return
	}
	id, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	if err := s.deps.Detector.Acknowledge(r.Context(), id); err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "id": id})
}

// handleDetect runs one detector on demand:
// GET /api/detect/{type}?api=&env=&sensitivity=
func (s *Server) handleDetect(w http.ResponseWriter, r *http.Request) {
	if s.deps.Detector == nil {
		unavailable(w, "detector")
		return
	}
	kind, ok := parseAnomalyType(chi.URLParam(r, "type"))
	if !ok {
		writeError(w, http.StatusBadRequest, "unknown anomaly type")
		return
	}
	q := anomaly.Query{
		APIName:     r.URL.Query().Get("api"),
		Environment: r.URL.Query().Get("env"),
	}
	if v := r.URL.Query().Get("sensitivity"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f <= 0 {
			writeError(w, http.StatusBadRequest, "invalid sensitivity")
			return
		}
		q.Sensitivity = f
	}
	var (
		res anomaly.Result
		err error
	)
	switch kind {
	case model.AnomalyResponseTime:
		res, err = s.deps.Detector.DetectResponseTime(r.Context(), q)
	case model.AnomalyErrorRate:
		res, err = s.deps.Detector.DetectErrorRate(r.Context(), q)
	default:
		res, err = s.deps.Detector.DetectPatternChange(r.Context(), q)
	}
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	res.Candidates = nonNil(res.Candidates)
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	if s.deps.Alerts == nil {
		unavailable(w, "alerting")
		return
	}
	list, err := s.deps.Alerts.Active(r.Context(), r.URL.Query().Get("api"), r.URL.Query().Get("env"))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"alerts": nonNil(list), "count": len(list)})
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	if s.deps.Alerts == nil {
		unavailable(w, "alerting")
		return
	}
	id, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	if err := s.deps.Alerts.Resolve(r.Context(), id); err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "id": id})
}

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	if s.deps.Alerts == nil {
		unavailable(w, "alerting")
		return
	}
	q := r.URL.Query()
	f := model.RuleFilter{
		APIName:     q.Get("api"),
		Environment: q.Get("env"),
		RuleType:    q.Get("type"),
		ActiveOnly:  q.Get("active") == "true",
	}
	rules, err := s.deps.Alerts.Rules(r.Context(), f)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rules": nonNil(rules), "count": len(rules)})
}

func (s *Server) handleGetRule(w http.ResponseWriter, r *http.Request) {
	if s.deps.Alerts == nil {
		unavailable(w, "alerting")
		return
	}
	id, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	rule, err := s.deps.Alerts.Rule(r.Context(), id)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

func (s *Server) handleAddRule(w http.ResponseWriter, r *http.Request) {
	if s.deps.Alerts == nil {
		unavailable(w, "alerting")
		return
	}
	rule := model.AlertRule{IsActive: true}
	if err := decodeBody(w, r, &rule); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	created, err := s.deps.Alerts.AddRule(r.Context(), rule)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	if s.deps.Alerts == nil {
		unavailable(w, "alerting")
		return
	}
	id, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	var u model.RuleUpdate
	if err := decodeBody(w, r, &u); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	updated, err := s.deps.Alerts.UpdateRule(r.Context(), id, u)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	if s.deps.Alerts == nil {
		unavailable(w, "alerting")
		return
	}
	id, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	if err := s.deps.Alerts.DeleteRule(r.Context(), id); err != nil {
		s.writeErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePredictions(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store == nil {
		unavailable(w, "store")
		return
	}
	limit, ok := queryInt(r, "limit", 100)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid limit")
		return
	}
	q := r.URL.Query()
	f := model.PredictionFilter{
		PredictionType: model.PredictionType(q.Get("type")),
		APIName:        q.Get("api"),
		Environment:    q.Get("env"),
		Limit:          limit,
	}
	list, err := s.deps.Store.RecentPredictions(r.Context(), f)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"predictions": nonNil(list), "count": len(list)})
}

// handleForecast serves GET /api/forecast/{type}?api=&env=&horizon=. An
// insufficient history is a 200 carrying status insufficient_data.
func (s *Server) handleForecast(w http.ResponseWriter, r *http.Request) {
	if s.deps.Forecaster == nil {
		unavailable(w, "forecaster")
		return
	}
	api := r.URL.Query().Get("api")
	env := r.URL.Query().Get("env")
	if api == "" || env == "" {
		writeError(w, http.StatusBadRequest, "api and env required")
		return
	}
	horizon, ok := queryInt(r, "horizon", 0)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid horizon")
		return
	}
	if !s.checkHorizon(w, horizon) {
		return
	}
	var (
		fc  forecast.Forecast
		err error
	)
	switch model.PredictionType(chi.URLParam(r, "type")) {
	case model.PredictionResponseTime:
		fc, err = s.deps.Forecaster.ForecastResponseTime(r.Context(), api, env, horizon)
	case model.PredictionErrorRate:
		fc, err = s.deps.Forecaster.ForecastErrorRate(r.Context(), api, env, horizon)
	default:
		writeError(w, http.StatusBadRequest, "unknown prediction type")
		return
	}
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	fc.Points = nonNil(fc.Points)
	writeJSON(w, http.StatusOK, fc)
}

// handleJourney forecasts a configured journey by name.
func (s *Server) handleJourney(w http.ResponseWriter, r *http.Request) {
	if s.deps.Forecaster == nil {
		unavailable(w, "forecaster")
		return
	}
	cfg := s.cfg.Get()
	name := chi.URLParam(r, "name")
	var apis []string
	for _, j := range cfg.Forecast.Journeys {
		if j.Name == name {
			apis = j.APIs
			break
		}
	}
	if apis == nil {
		writeError(w, http.StatusNotFound, fmt.Sprintf("journey %q not configured", name))
		return
	}
	env := r.URL.Query().Get("env")
	if env == "" {
		env = cfg.Ingest.Parser.DefaultEnvironment
	}
	horizon, ok := queryInt(r, "horizon", 0)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid horizon")
		return
	}
	if !s.checkHorizon(w, horizon) {
		return
	}
	if env == "" {
		writeError(w, http.StatusBadRequest, "env required")
		return
	}
	s.journey(w, r, name, apis, env, horizon)
}

type journeyRequest struct {
	Name        string   `json:"journey"`
	APIs        []string `json:"apis"`
	Environment string   `json:"environment"`
	Horizon     int      `json:"horizon"`
}

func (s *Server) handleAdHocJourney(w http.ResponseWriter, r *http.Request) {
	if s.deps.Forecaster == nil {
		unavailable(w, "forecaster")
		return
	}
	var req journeyRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Environment == "" {
		req.Environment = s.cfg.Get().Ingest.Parser.DefaultEnvironment
	}
	if req.Environment == "" {
		writeError(w, http.StatusBadRequest, "environment required")
		return
	}
	if req.Horizon < 0 {
		writeError(w, http.StatusBadRequest, "invalid horizon")
		return
	}
	if !s.checkHorizon(w, req.Horizon) {
		return
	}
	if req.Name == "" {
		req.Name = strings.Join(req.APIs, ">")
	}
	s.journey(w, r, req.Name, req.APIs, req.Environment, req.Horizon)
}

func (s *Server) journey(w http.ResponseWriter, r *http.Request, name string, apis []string, env string, horizon int) {
	jf, err := s.deps.Forecaster.Journey(r.Context(), name, apis, env, horizon)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, jf)
}

type retrainRequest struct {
	APIName     string `json:"api_name"`
	Environment string `json:"environment"`
	Target      string `json:"target"`
}

// handleRetrain drops cached models. Target is forecast, anomaly or all
// (default); an empty api_name clears every model of the target.
func (s *Server) handleRetrain(w http.ResponseWriter, r *http.Request) {
	var req retrainRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	target := strings.ToLower(strings.TrimSpace(req.Target))
	if target == "" {
		target = "all"
	}
	if target != "all" && target != "forecast" && target != "anomaly" {
		writeError(w, http.StatusBadRequest, "unknown target")
		return
	}
	resp := map[string]any{"status": "ok", "target": target}
	if target == "all" || target == "forecast" {
		if s.deps.Forecaster == nil {
			unavailable(w, "forecaster")
			return
		}
		if err := s.deps.Forecaster.Retrain(r.Context(), req.APIName, req.Environment); err != nil {
			s.writeErr(w, r, err)
			return
		}
	}
	if target == "all" || target == "anomaly" {
		if s.deps.Detector == nil {
			unavailable(w, "detector")
			return
		}
		res, err := s.deps.Detector.Retrain(r.Context(), anomaly.Query{APIName: req.APIName, Environment: req.Environment})
		if err != nil {
			s.writeErr(w, r, err)
			return
		}
		resp["response_time_anomalies"] = len(res.Candidates)
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleClear drops in-memory state and cached models. Target is live,
// verdicts, models or all (default). Stored records are untouched.
func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Target string `json:"target"`
	}
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	target := strings.ToLower(strings.TrimSpace(req.Target))
	if target == "" {
		target = "all"
	}
	switch target {
	case "all", "live", "verdicts", "models":
	default:
		writeError(w, http.StatusBadRequest, "unknown target")
		return
	}
	if (target == "all" || target == "live") && s.deps.Live != nil {
		s.deps.Live.Clear()
	}
	if (target == "all" || target == "verdicts") && s.deps.Verdicts != nil {
		s.deps.Verdicts.Clear()
	}
	if target == "all" || target == "models" {
		if s.deps.Detector != nil {
			if err := s.deps.Detector.ClearModels(r.Context()); err != nil {
				s.writeErr(w, r, err)
				return
			}
		}
		if s.deps.Forecaster != nil {
			if err := s.deps.Forecaster.Retrain(r.Context(), "", ""); err != nil {
				s.writeErr(w, r, err)
				return
			}
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "target": target})
}

func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	if s.deps.Live == nil {
		unavailable(w, "live stats")
		return
	}
	if api := r.URL.Query().Get("api"); api != "" {
		st, ok := s.deps.Live.Get(api, r.URL.Query().Get("env"))
		if !ok {
			writeError(w, http.StatusNotFound, "no live stats for "+api)
			return
		}
		writeJSON(w, http.StatusOK, st)
		return
	}
	all := s.deps.Live.GetAll()
	writeJSON(w, http.StatusOK, map[string]any{"stats": all, "count": len(all)})
}

func (s *Server) handleVerdicts(w http.ResponseWriter, r *http.Request) {
	if s.deps.Verdicts == nil {
		unavailable(w, "stream scoring")
		return
	}
	limit, ok := queryInt(r, "limit", 0)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid limit")
		return
	}
	var list []anomaly.Verdict
	if r.URL.Query().Get("since") != "" {
		since, ok := queryTime(r, "since", time.Time{})
		if !ok {
			writeError(w, http.StatusBadRequest, "invalid since")
			return
		}
		list = s.deps.Verdicts.Since(since)
	} else {
		list = s.deps.Verdicts.List(limit)
	}
	writeJSON(w, http.StatusOK, map[string]any{"verdicts": nonNil(list), "count": len(list)})
}

type detectionUpdate struct {
	Sensitivity *float64 `json:"sensitivity"`
	MinSamples  *int     `json:"min_samples"`
}

// handleDetectionConfig reads or updates the detection knobs. Updates are
// validated, written back to the config file and pushed to Reconfigure.
func (s *Server) handleDetectionConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]any{"detection": s.cfg.Get().Detection})
		return
	}
	var u detectionUpdate
	if err := decodeBody(w, r, &u); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	current := s.cfg.Get()
	next := *current
	if u.Sensitivity != nil {
		if *u.Sensitivity <= 0 {
			writeError(w, http.StatusBadRequest, "sensitivity must be positive")
			return
		}
		next.Detection.Sensitivity = *u.Sensitivity
	}
	if u.MinSamples != nil {
		if *u.MinSamples <= 0 {
			writeError(w, http.StatusBadRequest, "min_samples must be positive")
			return
		}
		next.Detection.MinSamples = *u.MinSamples
	}
	if err := s.cfg.Update(&next); err != nil {
		s.writeErr(w, r, err)
		return
	}
	if s.deps.Reconfigure != nil {
		s.deps.Reconfigure(&next)
	}
	writeJSON(w, http.StatusOK, map[string]any{"detection": next.Detection})
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	if s.deps.Jobs == nil {
		unavailable(w, "scheduler")
		return
	}
	jobs := s.deps.Jobs.Status()
	writeJSON(w, http.StatusOK, map[string]any{"jobs": nonNil(jobs), "count": len(jobs)})
}

func (s *Server) handleRunJob(w http.ResponseWriter, r *http.Request) {
	if s.deps.Jobs == nil {
		unavailable(w, "scheduler")
		return
	}
	name := chi.URLParam(r, "name")
	if err := s.deps.Jobs.Trigger(r.Context(), name); err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "job": name})
}

// decodeBody reads a bounded JSON body; an empty body leaves v untouched.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("invalid json: %w", err)
	}
	return nil
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}

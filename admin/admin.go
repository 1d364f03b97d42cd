// Package admin exposes the operational endpoints of the cache front:
// lifecycle control, cache clearing and the persisted alert schedule.
package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	shellcache "github.com/always-cache/shellcache"
	"github.com/always-cache/shellcache/cache"
	"github.com/always-cache/shellcache/pkg/schedule"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"github.com/rs/zerolog/log"
)

// Prefix is where the router is mounted next to the proxied application.
const Prefix = "/__shellcache"

// Host is the part of the worker host the admin surface controls.
type Host interface {
	Status(ctx context.Context) shellcache.HostStatus
	SkipWaiting() bool
	ClientsClosed() bool
}

type Config struct {
	Host Host
	// Store whose versions are listed and cleared.
	Store cache.Store
	// Where the alert schedule is persisted. Schedule routes respond 501 if nil.
	Settings cache.Settings
	// Logger to use. The global zerolog logger is used if nil.
	Logger *zerolog.Logger
	// Returns the current time. time.Now is used if nil.
	Now func() time.Time
}

type admin struct {
	host     Host
	store    cache.Store
	settings cache.Settings
	now      func() time.Time
}

type statusResponse struct {
	shellcache.HostStatus
	Versions []string `json:"versions"`
}

type scheduleBody struct {
	Time string    `json:"time"`
	Next time.Time `json:"next"`
}

// Router returns the admin handler, to be mounted at Prefix.
func Router(config Config) http.Handler {
	logger := log.Logger
	if config.Logger != nil {
		logger = *config.Logger
	}
	a := &admin{
		host:     config.Host,
		store:    config.Store,
		settings: config.Settings,
		now:      config.Now,
	}
	if a.now == nil {
		a.now = time.Now
	}

	r := chi.NewRouter()
	r.Use(hlog.NewHandler(logger))
	r.Use(hlog.RequestIDHandler("req_id", "Request-Id"))
	r.Use(hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		hlog.FromRequest(r).Debug().
			Str("method", r.Method).
			Stringer("url", r.URL).
			Int("code", status).
			Int("size", size).
			Dur("duration", duration).
			Msg("Admin request")
	}))

	r.Get("/status", a.status)
	r.Post("/skip-waiting", a.skipWaiting)
	r.Post("/clients-closed", a.clientsClosed)
	r.Delete("/caches", a.clearCaches)
	r.Get("/schedule", a.getSchedule)
	r.Put("/schedule", a.putSchedule)
	return r
}

func (a *admin) status(w http.ResponseWriter, r *http.Request) {
	versions, err := a.store.Versions(r.Context())
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("Could not list cache versions")
		http.Error(w, "Could not list cache versions", http.StatusInternalServerError)
		return
	}
	writeJSON(w, r, http.StatusOK, statusResponse{
		HostStatus: a.host.Status(r.Context()),
		Versions:   versions,
	})
}

func (a *admin) skipWaiting(w http.ResponseWriter, r *http.Request) {
	if !a.host.SkipWaiting() {
		http.Error(w, "No version is installing or waiting", http.StatusConflict)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (a *admin) clientsClosed(w http.ResponseWriter, r *http.Request) {
	if !a.host.ClientsClosed() {
		http.Error(w, "No version is waiting", http.StatusConflict)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (a *admin) clearCaches(w http.ResponseWriter, r *http.Request) {
	deleted, err := shellcache.ClearAll(r.Context(), a.store)
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Strs("deleted", deleted).Msg("Could not clear all caches")
		http.Error(w, "Could not clear all caches", http.StatusInternalServerError)
		return
	}
	hlog.FromRequest(r).Info().Strs("deleted", deleted).Msg("Cleared caches")
	writeJSON(w, r, http.StatusOK, map[string][]string{"deleted": deleted})
}

func (a *admin) getSchedule(w http.ResponseWriter, r *http.Request) {
	if a.settings == nil {
		http.Error(w, "Schedule not supported by store", http.StatusNotImplemented)
		return
	}
	value, ok, err := a.settings.Setting(r.Context(), schedule.SettingName)
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("Could not read schedule")
		http.Error(w, "Could not read schedule", http.StatusInternalServerError)
		return
	}
	if !ok {
		http.Error(w, "No alert time set", http.StatusNotFound)
		return
	}
	daily, err := schedule.Parse(value)
	if err != nil {
		hlog.FromRequest(r).Warn().Err(err).Str("value", value).Msg("Stored schedule is invalid")
		http.Error(w, "Stored schedule is invalid", http.StatusInternalServerError)
		return
	}
	writeJSON(w, r, http.StatusOK, scheduleBody{Time: daily.String(), Next: daily.Next(a.now())})
}

func (a *admin) putSchedule(w http.ResponseWriter, r *http.Request) {
	if a.settings == nil {
		http.Error(w, "Schedule not supported by store", http.StatusNotImplemented)
		return
	}
	var body scheduleBody
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<10)).Decode(&body); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	daily, err := schedule.Parse(body.Time)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := a.settings.SetSetting(r.Context(), schedule.SettingName, daily.String()); err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("Could not save schedule")
		http.Error(w, "Could not save schedule", http.StatusInternalServerError)
		return
	}
	hlog.FromRequest(r).Info().Str("time", daily.String()).Msg("Alert time saved")
	writeJSON(w, r, http.StatusOK, scheduleBody{Time: daily.String(), Next: daily.Next(a.now())})
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("Could not write response")
	}
}

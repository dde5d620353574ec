package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var Exports = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "zmexport_exports_total",
	Help: "Export calls by final result.",
}, []string{"result"})
var ExportEntries = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "zmexport_export_entries_total",
	Help: "Per-recording export units by status.",
}, []string{"status"})
var ExportBytes = prometheus.NewCounter(prometheus.CounterOpts{
	Name: "zmexport_export_bytes_total",
	Help: "Media bytes written into archives.",
})
var DownloadsInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
	Name: "zmexport_downloads_in_flight",
	Help: "Recording downloads currently running.",
})
var RemoteRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "zmexport_remote_requests_total",
	Help: "Requests sent to ZoneMinder instances.",
}, []string{"operation", "result"})
var CredentialCache = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "zmexport_credential_cache_total",
	Help: "Credential cache lookups by outcome.",
}, []string{"outcome"})
var SyncedRecordings = prometheus.NewCounter(prometheus.CounterOpts{
	Name: "zmexport_synced_recordings_total",
	Help: "Recordings inserted by the background synchronizer.",
})

func init() {
	prometheus.MustRegister(Exports)
	prometheus.MustRegister(ExportEntries)
	prometheus.MustRegister(ExportBytes)
	prometheus.MustRegister(DownloadsInFlight)
	prometheus.MustRegister(RemoteRequests)
	prometheus.MustRegister(CredentialCache)
	prometheus.MustRegister(SyncedRecordings)
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

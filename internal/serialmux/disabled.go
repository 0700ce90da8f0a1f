package serialmux

import (
	"context"
	"net/http"

	"github.com/banshee-data/depthview/internal/httputil"
)

// DisabledSerialMux stands in when no IMU port is configured. Nothing is
// ever read, commands are accepted and dropped, and subscriptions close on
// Close so readers unblock during shutdown.
type DisabledSerialMux struct {
	subs *subscribers
}

func NewDisabledSerialMux() *DisabledSerialMux {
	return &DisabledSerialMux{subs: newSubscribers(0)}
}

func (d *DisabledSerialMux) Subscribe() (string, <-chan Line) { return d.subs.add() }

func (d *DisabledSerialMux) Unsubscribe(id string) { d.subs.remove(id) }

func (d *DisabledSerialMux) SendCommand(string) error { return nil }

func (d *DisabledSerialMux) Initialize(commands []string) error { return initialize(d, commands) }

func (d *DisabledSerialMux) Monitor(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

func (d *DisabledSerialMux) Stats() Stats {
	return Stats{Name: "imu", Subscribers: d.subs.len()}
}

func (d *DisabledSerialMux) Close() error {
	d.subs.closeAll()
	return nil
}

func (d *DisabledSerialMux) AttachAdminRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/debug/imu-stats", func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteJSONOK(w, d.Stats())
	})
}

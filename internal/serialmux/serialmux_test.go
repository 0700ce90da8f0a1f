package serialmux

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.bug.st/serial"

	"github.com/banshee-data/depthview/internal/timeutil"
)

func next(t *testing.T, ch <-chan Line) Line {
	t.Helper()
	select {
	case l, ok := <-ch:
		require.True(t, ok, "subscription closed")
		return l
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a line")
	}
	return Line{}
}

func TestMonitorFanOut(t *testing.T) {
	port := NewFakePort()
	mux := NewSerialMux(port, "imu")
	clock := timeutil.NewMockClock(time.Unix(1700000000, 0))
	mux.SetClock(clock)

	_, a := mux.Subscribe()
	idB, b := mux.Subscribe()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- mux.Monitor(ctx) }()

	port.Feed("0.1,-9.8,0.2\r", "", "0.2,-9.7,0.1")
	want := Line{Text: "0.1,-9.8,0.2", Received: clock.Now()}
	assert.Equal(t, want, next(t, a))
	assert.Equal(t, want, next(t, b))
	assert.Equal(t, "0.2,-9.7,0.1", next(t, a).Text, "empty lines are skipped")

	mux.Unsubscribe(idB)
	mux.Unsubscribe(idB)
	for range b {
	}

	st := mux.Stats()
	assert.True(t, st.Enabled)
	assert.Equal(t, "imu", st.Name)
	assert.Equal(t, uint64(2), st.Lines)
	assert.Equal(t, 1, st.Subscribers)
	assert.Equal(t, clock.Now(), st.LastLine)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Monitor did not return after cancel")
	}
	port.Close()
}

func TestMonitorEnds(t *testing.T) {
	t.Run("eof", func(t *testing.T) {
		port := NewFakePort()
		port.Feed("a", "b")
		port.Hangup()
		mux := NewSerialMux(port, "")
		_, ch := mux.Subscribe()

		require.NoError(t, mux.Monitor(context.Background()))
		assert.Equal(t, "a", next(t, ch).Text)
		assert.Equal(t, "b", next(t, ch).Text)
		assert.Equal(t, "serial", mux.Name())
	})

	t.Run("read error", func(t *testing.T) {
		port := NewFakePort()
		port.FailReads(errors.New("device unplugged"))
		err := NewSerialMux(port, "imu").Monitor(context.Background())
		assert.ErrorContains(t, err, "unplugged")
	})

	t.Run("close", func(t *testing.T) {
		port := NewFakePort()
		mux := NewSerialMux(port, "imu")
		done := make(chan error, 1)
		go func() { done <- mux.Monitor(context.Background()) }()

		require.NoError(t, mux.Close())
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("Monitor did not return after Close")
		}
	})
}

func TestSlowSubscriberDrops(t *testing.T) {
	port := NewFakePort()
	mux := NewSerialMux(port, "imu")
	_, slow := mux.Subscribe()

	lines := make([]string, subscriberBuffer+5)
	for i := range lines {
		lines[i] = "x"
	}
	port.Feed(lines...)
	port.Hangup()
	require.NoError(t, mux.Monitor(context.Background()))

	st := mux.Stats()
	assert.Equal(t, uint64(len(lines)), st.Lines)
	assert.Equal(t, uint64(5), st.Dropped)
	assert.Len(t, slow, subscriberBuffer)
}

func TestSendCommand(t *testing.T) {
	port := NewFakePort()
	mux := NewSerialMux(port, "imu")

	require.NoError(t, mux.SendCommand("rate 50"))
	require.NoError(t, mux.SendCommand("start\r\n"))
	assert.Equal(t, []string{"rate 50", "start"}, port.Written())
	assert.Equal(t, uint64(2), mux.Stats().Commands)

	port.ShortWrite = true
	assert.ErrorIs(t, mux.SendCommand("x"), ErrShortWrite)
	port.ShortWrite = false

	port.WriteErr = errors.New("boom")
	assert.EqualError(t, mux.SendCommand("x"), "boom")
	port.WriteErr = nil

	require.NoError(t, mux.Close())
	assert.ErrorIs(t, mux.SendCommand("x"), ErrClosed)
	assert.True(t, port.Closed())
}

func TestInitialize(t *testing.T) {
	port := NewFakePort()
	mux := NewSerialMux(port, "imu")

	require.NoError(t, mux.Initialize([]string{"units ms2", "", "# comment", "  start  "}))
	assert.Equal(t, []string{"units ms2", "start"}, port.Written())

	port.WriteErr = errors.New("boom")
	err := mux.Initialize([]string{"# skip", "units ms2", "start"})
	var ce *CommandError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, 1, ce.Index)
	assert.Equal(t, "units ms2", ce.Command)
	assert.Equal(t, `start-up command 1 "units ms2": boom`, err.Error())
}

func TestCloseClosesSubscriptions(t *testing.T) {
	port := NewFakePort()
	mux := NewSerialMux(port, "imu")
	_, before := mux.Subscribe()

	require.NoError(t, mux.Close())
	_, ok := <-before
	assert.False(t, ok)

	_, after := mux.Subscribe()
	_, ok = <-after
	assert.False(t, ok, "Subscribe after Close hands out a closed channel")
}

func TestParseFraming(t *testing.T) {
	tests := []struct {
		in     string
		data   int
		parity serial.Parity
		stop   serial.StopBits
		err    bool
	}{
		{in: "8N1", data: 8, parity: serial.NoParity, stop: serial.OneStopBit},
		{in: "7e2", data: 7, parity: serial.EvenParity, stop: serial.TwoStopBits},
		{in: " 5O1 ", data: 5, parity: serial.OddParity, stop: serial.OneStopBit},
		{in: "9N1", err: true},
		{in: "8X1", err: true},
		{in: "8N3", err: true},
		{in: "8N", err: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			data, parity, stop, err := ParseFraming(tt.in)
			if tt.err {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.data, data)
			assert.Equal(t, tt.parity, parity)
			assert.Equal(t, tt.stop, stop)
		})
	}
}

func TestPortOptionsMode(t *testing.T) {
	mode, err := PortOptions{}.Mode()
	require.NoError(t, err)
	assert.Equal(t, &serial.Mode{BaudRate: DefaultBaudRate, DataBits: 8, Parity: serial.NoParity, StopBits: serial.OneStopBit}, mode)

	mode, err = PortOptions{BaudRate: 9600, Framing: "7E1"}.Mode()
	require.NoError(t, err)
	assert.Equal(t, 9600, mode.BaudRate)
	assert.Equal(t, 7, mode.DataBits)

	_, err = PortOptions{BaudRate: -1}.Mode()
	assert.Error(t, err)
	_, err = PortOptions{Framing: "8?1"}.Mode()
	assert.Error(t, err)
}

func TestOpen(t *testing.T) {
	port := NewFakePort()
	opener := &FakeOpener{Port: port}

	mux, err := Open("/dev/ttyACM0", PortOptions{Name: "imu", BaudRate: 57600}, opener.Open)
	require.NoError(t, err)
	assert.Equal(t, "/dev/ttyACM0", opener.Path)
	assert.Equal(t, 57600, opener.Mode.BaudRate)
	assert.Equal(t, "imu", mux.Name())

	_, err = Open("", PortOptions{}, opener.Open)
	assert.Error(t, err)

	_, err = Open("/dev/x", PortOptions{Framing: "bad"}, opener.Open)
	assert.Error(t, err)

	opener.Err = errors.New("no such device")
	_, err = Open("/dev/missing", PortOptions{}, opener.Open)
	assert.ErrorContains(t, err, "/dev/missing at 115200 baud")
}

func TestDisabledSerialMux(t *testing.T) {
	d := NewDisabledSerialMux()
	id, ch := d.Subscribe()
	assert.NoError(t, d.SendCommand("anything"))
	assert.NoError(t, d.Initialize([]string{"start"}))
	assert.Equal(t, Stats{Name: "imu", Subscribers: 1}, d.Stats())

	d.Unsubscribe(id)
	_, ok := <-ch
	assert.False(t, ok)

	_, ch = d.Subscribe()
	require.NoError(t, d.Close())
	_, ok = <-ch
	assert.False(t, ok)
	require.NoError(t, d.Close())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, d.Monitor(ctx), context.Canceled)

	mux := http.NewServeMux()
	d.AttachAdminRoutes(mux)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/imu-stats", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"enabled":false`)
}

// localRequest passes tsweb's debug access check.
func localRequest(method, target string, body io.Reader) *http.Request {
	req := httptest.NewRequest(method, target, body)
	req.RemoteAddr = "127.0.0.1:12345"
	return req
}

func TestAdminRoutes(t *testing.T) {
	port := NewFakePort()
	sm := NewSerialMux(port, "imu")
	mux := http.NewServeMux()
	sm.AttachAdminRoutes(mux)

	serve := func(req *http.Request) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)
		return rec
	}

	rec := serve(localRequest(http.MethodGet, "/debug/imu-console", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "/debug/imu-tail")

	post := func(form url.Values) *httptest.ResponseRecorder {
		req := localRequest(http.MethodPost, "/debug/imu-command", strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		return serve(req)
	}
	rec = post(url.Values{"command": {"zero"}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, []string{"zero"}, port.Written())

	assert.Equal(t, http.StatusBadRequest, post(url.Values{}).Code)
	assert.Equal(t, http.StatusMethodNotAllowed, serve(localRequest(http.MethodGet, "/debug/imu-command", nil)).Code)

	rec = serve(localRequest(http.MethodGet, "/debug/imu-tail.js", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "EventSource")

	rec = serve(localRequest(http.MethodGet, "/debug/imu-stats", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"commands":1`)
}

func TestAdminTailStreamsLines(t *testing.T) {
	port := NewFakePort()
	sm := NewSerialMux(port, "imu")
	sm.SetClock(timeutil.NewMockClock(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)))
	mux := http.NewServeMux()
	sm.AttachAdminRoutes(mux)

	srv := httptest.NewServer(mux)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sm.Monitor(ctx)
	defer port.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/debug/imu-tail", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	r := bufio.NewReader(resp.Body)
	hello, err := r.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, ": connected\n", hello)

	port.Feed("1,2,3")
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		if strings.HasPrefix(line, "data: ") {
			assert.Equal(t, "data: 03:04:05.000 1,2,3\n", line)
			break
		}
	}
}

package indicator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.viam.com/rdk/components/generic"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"
	"go.viam.com/rdk/testutils/inject"
)

// recorder collects every pin write and link event in order.
type recorder struct {
	mu     sync.Mutex
	events []string
	levels map[string]bool
	sets   map[string]int
}

func newRecorder() *recorder {
	return &recorder{levels: map[string]bool{}, sets: map[string]int{}}
}

func (r *recorder) add(event string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recorder) pin(name string) *inject.GPIOPin {
	return &inject.GPIOPin{
		SetFunc: func(ctx context.Context, high bool, extra map[string]interface{}) error {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.levels[name] = high
			r.sets[name]++
			return nil
		},
	}
}

func (r *recorder) level(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.levels[name]
}

func (r *recorder) setCount(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sets[name]
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func newTestLight(t *testing.T, rec *recorder, count int, period time.Duration) *GPIOIndicator {
	t.Helper()
	light, err := NewGPIOIndicator(context.Background(), rec.pin("red"), rec.pin("blue"), rec.pin("green"),
		count, period, logging.NewTestLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, light.Close(context.Background())) })
	return light
}

func TestGPIOIndicatorModes(t *testing.T) {
	ctx := context.Background()
	rec := newRecorder()
	light := newTestLight(t, rec, 0, 0)

	assert.Equal(t, ModeOff, light.Mode())
	assert.Equal(t, DefaultFlashCount, light.flashCount)
	assert.Equal(t, DefaultFlashPeriod, light.flashPeriod)

	require.NoError(t, light.SetMode(ctx, ModeRed))
	assert.True(t, rec.level("red"))
	assert.False(t, rec.level("blue"))

	require.NoError(t, light.SetMode(ctx, ModeBlue))
	assert.False(t, rec.level("red"))
	assert.True(t, rec.level("blue"))

	require.NoError(t, light.SetMode(ctx, ModeOff))
	assert.False(t, rec.level("red"))
	assert.False(t, rec.level("blue"))
	assert.False(t, rec.level("green"))

	assert.Error(t, light.SetMode(ctx, Mode(9)))
	assert.Equal(t, ModeOff, light.Mode())

	_, err := NewGPIOIndicator(ctx, nil, rec.pin("blue"), rec.pin("green"), 0, 0, logging.NewTestLogger(t))
	assert.Error(t, err)
}

func TestGPIOIndicatorFlash(t *testing.T) {
	ctx := context.Background()
	rec := newRecorder()
	light := newTestLight(t, rec, 3, 60*time.Millisecond)

	before := rec.setCount("green")
	require.NoError(t, light.SetMode(ctx, ModeFlashGreen))

	// one blanking write, three on/off pairs, then the final off
	require.Eventually(t, func() bool {
		return rec.setCount("green") == before+1+6+1
	}, time.Second, 5*time.Millisecond)
	assert.False(t, rec.level("green"))
	assert.Equal(t, ModeFlashGreen, light.Mode())
}

func TestGPIOIndicatorFlashInterrupted(t *testing.T) {
	ctx := context.Background()
	rec := newRecorder()
	light := newTestLight(t, rec, 10, 10*time.Second)

	require.NoError(t, light.SetMode(ctx, ModeFlashGreen))
	require.Eventually(t, func() bool { return rec.level("green") }, time.Second, time.Millisecond)

	require.NoError(t, light.SetMode(ctx, ModeRed))
	assert.True(t, rec.level("red"))
	assert.False(t, rec.level("green"))
	assert.Equal(t, ModeRed, light.Mode())
}

type fakeLight struct {
	rec   *recorder
	modes []Mode
	err   error
}

func (l *fakeLight) SetMode(ctx context.Context, mode Mode) error {
	l.rec.add("set " + mode.String())
	l.modes = append(l.modes, mode)
	return l.err
}

type fakeWriter struct {
	rec *recorder
	err error
}

func (w *fakeWriter) WriteFrame(f Frame) error {
	w.rec.add("ack " + f.String())
	return w.err
}

func TestHandlerAcksBeforeActing(t *testing.T) {
	ctx := context.Background()
	rec := newRecorder()
	light := &fakeLight{rec: rec}
	h := NewHandler(light, &fakeWriter{rec: rec}, logging.NewTestLogger(t))

	require.NoError(t, h.HandleFrame(ctx, CommandFrame(ModeBlue)))
	assert.Equal(t, []string{"ack 795#94 01", "set blue"}, rec.snapshot())

	// unknown mode is acknowledged but not applied
	require.NoError(t, h.HandleFrame(ctx, Frame{ID: CommandID, Data: []byte{7}}))
	assert.Equal(t, []string{"ack 795#94 01", "set blue", "ack 795#94 07"}, rec.snapshot())

	// other IDs and empty commands are ignored without an ack
	require.NoError(t, h.HandleFrame(ctx, Frame{ID: 0x123, Data: []byte{0}}))
	require.NoError(t, h.HandleFrame(ctx, Frame{ID: CommandID}))
	assert.Len(t, rec.snapshot(), 3)
	assert.Equal(t, []Mode{ModeBlue}, light.modes)
}

func TestHandlerAckFailure(t *testing.T) {
	rec := newRecorder()
	light := &fakeLight{rec: rec}
	h := NewHandler(light, &fakeWriter{rec: rec, err: errors.New("bus off")}, logging.NewTestLogger(t))

	err := h.HandleFrame(context.Background(), CommandFrame(ModeRed))
	assert.ErrorContains(t, err, "bus off")
	assert.Empty(t, light.modes)
}

// chanLink delivers frames from a channel and records what is written.
type chanLink struct {
	in     chan Frame
	rec    *recorder
	closed chan struct{}
	once   sync.Once
}

func newChanLink(rec *recorder) *chanLink {
	return &chanLink{in: make(chan Frame), rec: rec, closed: make(chan struct{})}
}

func (l *chanLink) WriteFrame(f Frame) error {
	l.rec.add("ack " + f.String())
	return nil
}

func (l *chanLink) ReadFrame(ctx context.Context) (Frame, error) {
	select {
	case f := <-l.in:
		return f, nil
	case <-l.closed:
		return Frame{}, errors.New("closed")
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	}
}

func (l *chanLink) Close() error {
	l.once.Do(func() { close(l.closed) })
	return nil
}

func TestIndicatorComponent(t *testing.T) {
	ctx := context.Background()
	rec := newRecorder()
	link := newChanLink(rec)
	name := resource.NewName(generic.API, "light")

	res, err := NewIndicator(ctx, name, rec.pin("red"), rec.pin("blue"), rec.pin("green"), link,
		&Config{FlashCount: 2, FlashPeriodSec: 0.02}, logging.NewTestLogger(t))
	require.NoError(t, err)
	assert.Equal(t, name, res.Name())

	link.in <- CommandFrame(ModeRed)
	require.Eventually(t, func() bool { return rec.level("red") }, time.Second, time.Millisecond)
	assert.Equal(t, []string{"ack 795#94 00"}, rec.snapshot())

	resp, err := res.DoCommand(ctx, map[string]interface{}{"mode": 1.0})
	require.NoError(t, err)
	assert.Equal(t, "blue", resp["name"])
	assert.True(t, rec.level("blue"))

	resp, err = res.DoCommand(ctx, map[string]interface{}{"mode": "off"})
	require.NoError(t, err)
	assert.Equal(t, int(ModeOff), resp["mode"])

	resp, err = res.DoCommand(ctx, map[string]interface{}{"get_mode": true})
	require.NoError(t, err)
	assert.Equal(t, "off", resp["name"])

	_, err = res.DoCommand(ctx, map[string]interface{}{"mode": 12.0})
	assert.Error(t, err)
	_, err = res.DoCommand(ctx, map[string]interface{}{"mode": "purple"})
	assert.Error(t, err)
	_, err = res.DoCommand(ctx, map[string]interface{}{"mode": true})
	assert.Error(t, err)
	_, err = res.DoCommand(ctx, map[string]interface{}{"blink": 1})
	assert.Error(t, err)

	require.NoError(t, res.Close(ctx))
	assert.False(t, rec.level("red"))
	assert.False(t, rec.level("blue"))
	assert.False(t, rec.level("green"))
}

func TestConfigValidate(t *testing.T) {
	cfg := &Config{Board: "pi", RedPin: "11", BluePin: "13", GreenPin: "15", CANPort: "/dev/ttyACM0"}
	deps, _, err := cfg.Validate("light")
	require.NoError(t, err)
	assert.Equal(t, []string{"pi"}, deps)
	assert.Equal(t, DefaultBitrateKbps, cfg.CANBitrateKbps)
	assert.Equal(t, DefaultSerialBaudrate, cfg.CANBaudrate)

	for _, bad := range []*Config{
		{RedPin: "11", BluePin: "13", GreenPin: "15"},
		{Board: "pi", BluePin: "13", GreenPin: "15"},
		{Board: "pi", RedPin: "11", BluePin: "13", GreenPin: "15", FlashCount: -1},
		{Board: "pi", RedPin: "11", BluePin: "13", GreenPin: "15", CANPort: "/dev/ttyACM0", CANBitrateKbps: 333},
	} {
		_, _, err := bad.Validate("light")
		assert.Error(t, err)
	}
}

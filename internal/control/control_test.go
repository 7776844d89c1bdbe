package control

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dualsens/internal/arbiter"
	"dualsens/internal/lock"
)

func utf16LE(s string, bom bool) []byte {
	var b []byte
	if bom {
		b = append(b, 0xFF, 0xFE)
	}
	for _, r := range s {
		b = append(b, byte(r), 0)
	}
	return b
}

func utf16BE(s string, bom bool) []byte {
	var b []byte
	if bom {
		b = append(b, 0xFE, 0xFF)
	}
	for _, r := range s {
		b = append(b, 0, byte(r))
	}
	return b
}

func collect(t *testing.T, raw []byte) []string {
	t.Helper()
	var out []string
	for line := range ReadLines(context.Background(), bytes.NewReader(raw), nil) {
		out = append(out, line)
	}
	return out
}

func TestEncodingsParseAlike(t *testing.T) {
	want := []string{"POWER ON", "SET_SENS 2.5"}
	text := "POWER ON\r\nSET_SENS 2.5\r\n"

	tests := []struct {
		name string
		raw  []byte
	}{
		{"ascii", []byte(text)},
		{"utf-8 bom", append([]byte{0xEF, 0xBB, 0xBF}, text...)},
		{"utf-16le bom", utf16LE(text, true)},
		{"utf-16le", utf16LE(text, false)},
		{"utf-16be bom", utf16BE(text, true)},
		{"utf-16be", utf16BE(text, false)},
		{"nul padded", []byte("POWER ON\x00\x00\nSET_SENS 2.5\x00\n")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, want, collect(t, tt.raw))
		})
	}
}

func TestDetect(t *testing.T) {
	assert.Equal(t, UTF16LE, Detect([]byte{0xFF, 0xFE}))
	assert.Equal(t, UTF16BE, Detect([]byte{0xFE, 0xFF}))
	assert.Equal(t, UTF16LE, Detect([]byte{'P', 0}))
	assert.Equal(t, UTF16BE, Detect([]byte{0, 'P'}))
	assert.Equal(t, UTF8, Detect([]byte("PI")))
	assert.Equal(t, UTF8, Detect([]byte("P")))
}

func TestDecodeLine(t *testing.T) {
	assert.Equal(t, "PING", DecodeLine(utf16LE("PING\r\n", true)))
	assert.Equal(t, "PING", DecodeLine(utf16BE("PING", false)))
	assert.Equal(t, "PING", DecodeLine([]byte(" PING\x00 ")))
}

func TestParse(t *testing.T) {
	tests := []struct {
		line string
		want Command
		err  string
	}{
		{line: "PING", want: Command{Kind: CmdPing, Name: "PING"}},
		{line: "ping", want: Command{Kind: CmdPing, Name: "PING"}},
		{line: "POWER ON", want: Command{Kind: CmdPower, Name: "POWER", On: true}},
		{line: "FEATURE off", want: Command{Kind: CmdFeature, Name: "FEATURE"}},
		{line: "SET_SENS 150", want: Command{Kind: CmdSetSens, Name: "SET_SENS", Value: 150}},
		{line: "SET_SENS -0.5", want: Command{Kind: CmdSetSens, Name: "SET_SENS", Value: -0.5}},
		{line: "STATUS", want: Command{Kind: CmdStatus, Name: "STATUS"}},
		{line: "JUMP", err: "UNKNOWN JUMP"},
		{line: "POWER", err: "BAD_ARG POWER expected ON or OFF"},
		{line: "POWER MAYBE", err: `BAD_ARG POWER expected ON or OFF, got "MAYBE"`},
		{line: "SET_SENS fast", err: `BAD_ARG SET_SENS not a number: "fast"`},
		{line: "SET_SENS NaN", err: `BAD_ARG SET_SENS not a number: "NaN"`},
		{line: "SET_SENS 1 2", err: "BAD_ARG SET_SENS expected one number"},
		{line: "PING now", err: "BAD_ARG PING takes no arguments"},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			cmd, err := Parse(tt.line)
			if tt.err != "" {
				require.Error(t, err)
				assert.Equal(t, tt.err, err.Error())
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, cmd)
		})
	}
}

type lines []string

func (l *lines) Push(s string) { *l = append(*l, s) }

type fakeController struct {
	power, feature bool
	sens           float64
	resets         int
	err            error
}

func (f *fakeController) Power(on bool) error {
	if f.err != nil {
		return f.err
	}
	f.power = on
	return nil
}

func (f *fakeController) Feature(on bool) error {
	if on && !f.power {
		return arbiter.ErrPowerOff
	}
	f.feature = on
	return nil
}

func (f *fakeController) SetSensitivity(v float64) (float64, error) {
	f.sens = v
	return v, f.err
}

func (f *fakeController) Reset() error  { f.resets++; return nil }
func (f *fakeController) Accept() error { return arbiter.ErrNotScanning }
func (f *fakeController) Reject() error { return arbiter.ErrNoCandidate }

func (f *fakeController) Status() arbiter.Status {
	return arbiter.Status{State: lock.Locked, Power: f.power, Feature: f.feature, Sensitivity: 2.5, Registered: "usb-1"}
}

func TestHandler(t *testing.T) {
	ctl := &fakeController{}
	var out lines
	h := NewHandler(HandlerConfig{Controller: ctl, Out: &out})

	for _, l := range []string{
		"PING",
		"",
		"FEATURE ON",
		"POWER ON",
		"FEATURE ON",
		"SET_SENS 3",
		"ACCEPT",
		"REJECT",
		"STATUS",
		"BOGUS 1",
		"RESET",
	} {
		assert.False(t, h.HandleLine(l), l)
	}

	assert.Equal(t, lines{
		"EVT PONG",
		"EVT ERROR FEATURE power is off",
		"EVT ERROR ACCEPT not scanning",
		"EVT ERROR REJECT no candidate",
		"EVT STATUS state=LOCKED power=on feature=on registered=usb-1 sens=2.500",
		"EVT ERROR UNKNOWN BOGUS",
	}, out)
	assert.True(t, ctl.feature)
	assert.Equal(t, 3.0, ctl.sens)
	assert.Equal(t, 1, ctl.resets)
	assert.Equal(t, uint64(10), h.metrics.Commands.Value())
	assert.Equal(t, uint64(4), h.metrics.CommandErrors.Value())
}

func TestHandlerQuitStopsAcceptingCommands(t *testing.T) {
	ctl := &fakeController{}
	var out lines
	h := NewHandler(HandlerConfig{Controller: ctl, Out: &out})

	assert.True(t, h.HandleLine("QUIT"))
	assert.True(t, h.Quitting())
	assert.True(t, h.HandleLine("POWER ON"))
	assert.False(t, ctl.power)
	assert.Empty(t, out)
}

func TestErrorTag(t *testing.T) {
	assert.Equal(t, "POWER offline", errorTag("POWER", arbiter.ErrOffline))
	assert.Equal(t, "ACCEPT no candidate", errorTag("ACCEPT", arbiter.ErrNoCandidate))
	assert.Equal(t, "POWER disk full", errorTag("POWER", errors.New("disk\nfull")))
}

func TestStatusLineWithoutRegistration(t *testing.T) {
	line := StatusLine(arbiter.Status{Sensitivity: 1})
	assert.Equal(t, "EVT STATUS state=IDLE power=off feature=off registered=- sens=1.000", line)
}

func TestWriterFlush(t *testing.T) {
	ob := arbiter.NewOutbox(8, nil)
	var buf bytes.Buffer
	w := NewWriter(&buf)

	n, err := w.Flush(ob)
	require.NoError(t, err)
	assert.Zero(t, n)

	ob.Push("EVT PONG")
	ob.Eventf("SCAN_PROGRESS %.1f", 12.0)
	n, err = w.Flush(ob)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, "EVT PONG\nEVT SCAN_PROGRESS 12.0\n", buf.String())
}

func TestReadLinesStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	r := strings.NewReader(strings.Repeat("PING\n", 1000))
	ch := ReadLines(ctx, r, nil)
	<-ch
	cancel()
	for range ch {
	}
}

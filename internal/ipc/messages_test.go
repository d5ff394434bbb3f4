package ipc

import (
	"reflect"
	"testing"

	"github.com/zsiec/chorus/internal/audio"
	"github.com/zsiec/chorus/internal/capture"
)

func TestOutputDeviceFormatRoundTrip(t *testing.T) {
	want := OutputDeviceFormat{SampleRate: 44100, ChannelCount: 6}
	got, err := ParseOutputDeviceFormat(AppendOutputDeviceFormat(nil, want))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got != want {
		t.Errorf("got %+v, want %+v", got, want)
	}
}

func TestDeviceListRoundTrip(t *testing.T) {
	want := []audio.DeviceInfo{
		{
			Type:         audio.DeviceOutput,
			Handle:       "00ab",
			Label:        "Built-in Output",
			DOMDeviceID:  "dom-1",
			GroupID:      "grp-1",
			SampleRate:   48000,
			ChannelCount: 2,
			Layout:       audio.ChannelMap{audio.RoleFrontLeft, audio.RoleFrontRight},
			IsDefault:    true,
		},
		{
			Type:         audio.DeviceInput,
			Handle:       "01cd",
			Label:        "USB Microphone",
			SampleRate:   44100,
			ChannelCount: 1,
			Layout:       audio.ChannelMap{audio.RoleFrontCenter},
		},
	}
	got, err := ParseDeviceList(AppendDeviceList(nil, want))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %+v\nwant %+v", got, want)
	}
}

func TestDeviceListEmpty(t *testing.T) {
	got, err := ParseDeviceList(AppendDeviceList(nil, nil))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("got %d devices, want 0", len(got))
	}
}

func TestCreateOutputSessionRoundTrip(t *testing.T) {
	want := CreateOutputSession{TargetLatencyMs: 40, DeviceID: "00ab"}
	got, err := ParseCreateOutputSession(AppendCreateOutputSession(nil, want))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got != want {
		t.Errorf("got %+v, want %+v", got, want)
	}
}

func TestOutputSessionCreatedRoundTrip(t *testing.T) {
	want := OutputSessionCreated{SessionID: 9, SampleRate: 96000, ChannelCount: 8}
	got, err := ParseOutputSessionCreated(AppendOutputSessionCreated(nil, want))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got != want {
		t.Errorf("got %+v, want %+v", got, want)
	}
}

func TestOutputSessionFailedRoundTrip(t *testing.T) {
	want := OutputSessionFailed{SessionID: 12, Reason: "device unavailable"}
	got, err := ParseOutputSessionFailed(AppendOutputSessionFailed(nil, want))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got != want {
		t.Errorf("got %+v, want %+v", got, want)
	}
}

func TestSetVolumeRoundTrip(t *testing.T) {
	for _, v := range []float64{0, 0.25, 1, 1.5} {
		got, err := ParseSetVolume(AppendSetVolume(nil, v))
		if err != nil {
			t.Fatalf("parse %v: %v", v, err)
		}
		if got != v {
			t.Errorf("got %v, want %v", got, v)
		}
	}
}

func TestSetMutedRoundTrip(t *testing.T) {
	for _, muted := range []bool{true, false} {
		got, err := ParseSetMuted(AppendSetMuted(nil, muted))
		if err != nil {
			t.Fatalf("parse: %v", err)
		}
		if got != muted {
			t.Errorf("got %v, want %v", got, muted)
		}
	}
}

func TestCreateInputStreamRoundTrip(t *testing.T) {
	want := CreateInputStream{
		DeviceID:       "01cd",
		SampleRate:     16000,
		ChannelCount:   1,
		CapacityFrames: 4096,
		Policy:         capture.Lossless,
	}
	got, err := ParseCreateInputStream(AppendCreateInputStream(nil, want))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got != want {
		t.Errorf("got %+v, want %+v", got, want)
	}
}

func TestCreateBufferStreamRoundTrip(t *testing.T) {
	want := CreateBufferStream{BlockSize: 4096, BlockCount: 32}
	got, err := ParseCreateBufferStream(AppendCreateBufferStream(nil, want))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got != want {
		t.Errorf("got %+v, want %+v", got, want)
	}
}

func TestParseTruncatedPayloads(t *testing.T) {
	cases := []struct {
		name    string
		payload []byte
		parse   func([]byte) error
	}{
		{"device format", []byte{0, 0, 0}, func(p []byte) error { _, err := ParseOutputDeviceFormat(p); return err }},
		{"session created", make([]byte, 15), func(p []byte) error { _, err := ParseOutputSessionCreated(p); return err }},
		{"session id", []byte{1, 2}, func(p []byte) error { _, err := ParseSessionID(p); return err }},
		{"create session", []byte{0, 0, 0, 1, 0, 5, 'a'}, func(p []byte) error { _, err := ParseCreateOutputSession(p); return err }},
		{"input stream", []byte{0, 0}, func(p []byte) error { _, err := ParseCreateInputStream(p); return err }},
		{"buffer stream", []byte{0, 0, 0, 1}, func(p []byte) error { _, err := ParseCreateBufferStream(p); return err }},
		{"mute", nil, func(p []byte) error { _, err := ParseSetMuted(p); return err }},
	}
	for _, tc := range cases {
		if err := tc.parse(tc.payload); err == nil {
			t.Errorf("%s: expected parse error", tc.name)
		}
	}
}

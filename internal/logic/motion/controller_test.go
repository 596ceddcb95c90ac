package motion

import (
	"errors"
	"testing"
)

type recordingLink struct {
	sent []string
	err  error
}

func (r *recordingLink) Send(cmd string) error {
	r.sent = append(r.sent, cmd)
	return r.err
}

func TestController_Vocabulary(t *testing.T) {
	link := &recordingLink{}
	ctrl := NewController(link)

	steps := []func() error{
		ctrl.UseMillimeters,
		ctrl.UseAbsolute,
		ctrl.Home,
		func() error { return ctrl.MoveZ(127.0, 1500) },
		func() error { return ctrl.MoveXY(50.8, 50.8, 3000) },
		ctrl.WaitIdle,
		func() error { return ctrl.MoveXYZ(50.8, 50.8, 127, 3000) },
	}
	for i, step := range steps {
		if err := step(); err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
	}

	want := []string{
		"G21",
		"G90",
		"G28",
		"G1 Z127 F1500",
		"G1 X50.8 Y50.8 F3000",
		"M400",
		"G1 X50.8 Y50.8 Z127 F3000",
	}
	if len(link.sent) != len(want) {
		t.Fatalf("sent %d commands, want %d: %v", len(link.sent), len(want), link.sent)
	}
	for i := range want {
		if link.sent[i] != want[i] {
			t.Errorf("command %d = %q, want %q", i, link.sent[i], want[i])
		}
	}
}

func TestController_PropagatesError(t *testing.T) {
	boom := errors.New("boom")
	ctrl := NewController(&recordingLink{err: boom})

	if err := ctrl.Home(); !errors.Is(err, boom) {
		t.Errorf("Home error = %v, want %v", err, boom)
	}
	if err := ctrl.MoveXY(1, 2, 3000); !errors.Is(err, boom) {
		t.Errorf("MoveXY error = %v, want %v", err, boom)
	}
}

func TestCoord(t *testing.T) {
	cases := []struct {
		in   float64
		want string
	}{
		{0, "0"},
		{127.0, "127"},
		{50.8, "50.8"},
		{50.8 + 3*12.7, "88.9"}, // float sum is 88.89999999999999
		{12.3456, "12.346"},
		{-0.0001, "0"},
		{1e-9, "0"},
	}
	for _, tc := range cases {
		if got := coord(tc.in); got != tc.want {
			t.Errorf("coord(%v) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

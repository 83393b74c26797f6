package models

import "testing"

func TestParseResourceStatus(t *testing.T) {
	cases := []struct {
		input   string
		want    ResourceStatus
		wantErr bool
	}{
		{input: "created", want: StatusCreated},
		{input: " Pending_User ", want: StatusPendingUser},
		{input: "LIVE", want: StatusLive},
		{input: "pending_closure", want: StatusPendingClosure},
		{input: "closed", want: StatusClosed},
		{input: "aborted", want: StatusAborted},
		{input: "streaming", wantErr: true},
		{input: "", wantErr: true},
	}

	for _, tc := range cases {
		got, err := ParseResourceStatus(tc.input)
		if tc.wantErr {
			if err == nil {
				t.Errorf("ParseResourceStatus(%q) expected error, got %q", tc.input, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseResourceStatus(%q): %v", tc.input, err)
			continue
		}
		if got != tc.want {
			t.Errorf("ParseResourceStatus(%q) = %q, want %q", tc.input, got, tc.want)
		}
	}
}

func TestStatusClassification(t *testing.T) {
	owned := map[ResourceStatus]bool{
		StatusCreated:        false,
		StatusPendingUser:    true,
		StatusLive:           true,
		StatusPendingClosure: true,
		StatusClosed:         false,
		StatusAborted:        false,
	}
	terminal := map[ResourceStatus]bool{
		StatusCreated:        false,
		StatusPendingUser:    false,
		StatusLive:           false,
		StatusPendingClosure: false,
		StatusClosed:         true,
		StatusAborted:        true,
	}

	for status, want := range owned {
		if got := status.Owned(); got != want {
			t.Errorf("%s.Owned() = %v, want %v", status, got, want)
		}
	}
	for status, want := range terminal {
		if got := status.Terminal(); got != want {
			t.Errorf("%s.Terminal() = %v, want %v", status, got, want)
		}
	}
}

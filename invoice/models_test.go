package invoice

import (
	"testing"

	"github.com/xraph/tally/types"
)

func TestParseReason(t *testing.T) {
	tests := []struct {
		in   string
		want Reason
	}{
		{"subscription_create", ReasonSubscriptionCreate},
		{"subscription_cycle", ReasonSubscriptionCycle},
		{"subscription_update", ReasonSubscriptionUpdate},
		{"manual", ReasonManual},
		{"subscription_threshold", ReasonManual},
		{"", ReasonManual},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := ParseReason(tt.in); got != tt.want {
				t.Errorf("ParseReason(%q) = %s, want %s", tt.in, got, tt.want)
			}
		})
	}
}

func TestOutstanding(t *testing.T) {
	r := Record{AmountDue: types.USD(999), AmountPaid: types.USD(0)}
	if got := r.Outstanding(); !got.Equal(types.USD(999)) {
		t.Errorf("unpaid: got %v", got)
	}

	r.AmountPaid = types.USD(999)
	if got := r.Outstanding(); !got.IsZero() {
		t.Errorf("paid: got %v", got)
	}
}

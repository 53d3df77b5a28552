package chat

import (
	"errors"
	"testing"
)

func TestNormalizeParticipants(t *testing.T) {
	cases := []struct {
		name    string
		in      []string
		want    []string
		wantErr error
	}{
		{"sorted pair", []string{"bob", "alice"}, []string{"alice", "bob"}, nil},
		{"trimmed", []string{"  bob ", "alice"}, []string{"alice", "bob"}, nil},
		{"group", []string{"carol", "alice", "bob"}, []string{"alice", "bob", "carol"}, nil},
		{"single member", []string{"alice"}, nil, ErrInvalidRequest},
		{"empty member", []string{"alice", "  "}, nil, ErrInvalidRequest},
		{"duplicate member", []string{"alice", "alice"}, nil, ErrInvalidRequest},
		{"empty set", nil, nil, ErrInvalidRequest},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := NormalizeParticipants(tc.in)
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("expected %v, got %v", tc.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("NormalizeParticipants: %v", err)
			}
			if len(got) != len(tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, got)
			}
			for i := range got {
				if got[i] != tc.want[i] {
					t.Fatalf("expected %v, got %v", tc.want, got)
				}
			}
		})
	}
}

func TestParticipantsKey_OrderInsensitive(t *testing.T) {
	a, err := NormalizeParticipants([]string{"bob", "alice"})
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	b, err := NormalizeParticipants([]string{"alice", "bob"})
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if participantsKey(a) != participantsKey(b) {
		t.Fatalf("expected identical keys for the same set, got %q vs %q", participantsKey(a), participantsKey(b))
	}
}

package v1

import (
	"testing"
	"time"
)

func TestEnvelope_Validate(t *testing.T) {
	valid := Envelope{V: Version, Type: TypeMessageSend, ID: "e-1", TS: time.Now().UTC()}
	if err := valid.Validate(); err != nil {
		t.Fatalf("valid envelope rejected: %v", err)
	}

	cases := []struct {
		name string
		env  Envelope
	}{
		{"missing version", Envelope{Type: TypeHello}},
		{"wrong version", Envelope{V: "v0", Type: TypeHello}},
		{"missing type", Envelope{V: Version}},
		{"unknown type", Envelope{V: Version, Type: "shrug"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := tc.env.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

package codec

import (
	"errors"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/felixgeelhaar/veil/internal/event"
)

func sampleEvents(t *testing.T, n int) []event.CompactWorkflowEvent {
	t.Helper()
	enc, err := event.NewEncoder([]byte("codec-test"))
	if err != nil {
		t.Fatalf("failed to create encoder: %v", err)
	}
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	out := make([]event.CompactWorkflowEvent, n)
	for i := range out {
		a := event.UserAction{
			Type:       event.DocumentEdit,
			DocumentID: "group-abcd1234-doc",
			Timestamp:  base.Add(time.Duration(i) * time.Second),
		}
		out[i] = enc.Encode(a, "user", "", event.FlagPrivacyProtected)
	}
	return out
}

func TestRoundTrip(t *testing.T) {
	events := sampleEvents(t, 200)

	for _, c := range []Compression{None, LZ4, Zstd} {
		t.Run(string(c), func(t *testing.T) {
			data, err := Encode(events, c)
			if err != nil {
				t.Fatalf("Encode failed: %v", err)
			}
			got, err := Decode(data)
			if err != nil {
				t.Fatalf("Decode failed: %v", err)
			}
			if len(got) != len(events) {
				t.Fatalf("expected %d events, got %d", len(events), len(got))
			}
			for i := range events {
				if got[i] != events[i] {
					t.Fatalf("event %d mismatch: expected %+v, got %+v", i, events[i], got[i])
				}
			}
		})
	}
}

func TestCompressionShrinksRepetitiveBatches(t *testing.T) {
	events := sampleEvents(t, 500)
	plain, _ := Encode(events, None)
	for _, c := range []Compression{LZ4, Zstd} {
		packed, err := Encode(events, c)
		if err != nil {
			t.Fatalf("Encode failed: %v", err)
		}
		if len(packed) >= len(plain) {
			t.Errorf("%s: expected smaller archive, got %d >= %d", c, len(packed), len(plain))
		}
	}
}

func TestEmptyBatch(t *testing.T) {
	data, err := Encode(nil, LZ4)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	got, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected no events, got %d", len(got))
	}
}

func TestDecodeRejectsTampering(t *testing.T) {
	data, err := Encode(sampleEvents(t, 4), None)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	var env Envelope
	if err := cbor.Unmarshal(data, &env); err != nil {
		t.Fatalf("failed to decode envelope: %v", err)
	}

	t.Run("payload", func(t *testing.T) {
		bad := env
		bad.Payload = append([]byte(nil), env.Payload...)
		bad.Payload[0] ^= 0xff
		b, _ := cbor.Marshal(bad)
		if _, err := Decode(b); !errors.Is(err, ErrCorrupt) {
			t.Errorf("expected ErrCorrupt, got %v", err)
		}
	})

	t.Run("version", func(t *testing.T) {
		bad := env
		bad.Version = 9
		b, _ := cbor.Marshal(bad)
		if _, err := Decode(b); !errors.Is(err, ErrUnsupportedVersion) {
			t.Errorf("expected ErrUnsupportedVersion, got %v", err)
		}
	})

	t.Run("count", func(t *testing.T) {
		bad := env
		bad.Count = 5
		b, _ := cbor.Marshal(bad)
		if _, err := Decode(b); !errors.Is(err, ErrCorrupt) {
			t.Errorf("expected ErrCorrupt, got %v", err)
		}
	})

	t.Run("garbage", func(t *testing.T) {
		if _, err := Decode([]byte{0xff, 0x00}); !errors.Is(err, ErrCorrupt) {
			t.Errorf("expected ErrCorrupt, got %v", err)
		}
	})
}

func TestParseCompression(t *testing.T) {
	tests := []struct {
		in      string
		want    Compression
		wantErr bool
	}{
		{"", Zstd, false},
		{"none", None, false},
		{"lz4", LZ4, false},
		{"zstd", Zstd, false},
		{"gzip", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseCompression(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("expected error %v, got %v", tt.wantErr, err)
			}
			if got != tt.want {
				t.Errorf("expected %q, got %q", tt.want, got)
			}
		})
	}
}

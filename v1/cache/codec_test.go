package cache

import (
	"testing"
	"time"
)

type codecSample struct {
	Holder     string
	AcquiredAt time.Time
}

func TestCodecsPreserveTimestamps(t *testing.T) {
	at := time.Date(2015, 10, 21, 4, 29, 0, 123, time.UTC)
	for name, codec := range map[string]Codec{"json": JSONCodec{}, "gob": GobCodec{}} {
		t.Run(name, func(t *testing.T) {
			data, err := codec.Marshal(codecSample{Holder: "s1", AcquiredAt: at})
			if err != nil {
				t.Fatalf("Marshal: %v", err)
			}
			var out codecSample
			if err := codec.Unmarshal(data, &out); err != nil {
				t.Fatalf("Unmarshal: %v", err)
			}
			if out.Holder != "s1" || !out.AcquiredAt.Equal(at) {
				t.Fatalf("unexpected round trip result: %+v", out)
			}
		})
	}
}

func TestJSONCodecRejectsGarbage(t *testing.T) {
	var out codecSample
	if err := (JSONCodec{}).Unmarshal([]byte("{not json"), &out); err == nil {
		t.Fatal("expected error for malformed payload")
	}
}

package events

import (
	"bufio"
	"fmt"
	"io"
	"time"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// ToStruct converts an event into a protobuf Struct suitable for JSON export.
func ToStruct(ev Event) (*structpb.Struct, error) {
	m := map[string]any{
		"seq":      float64(ev.Seq),
		"time":     ev.Time.UTC().Format(time.RFC3339Nano),
		"sim_time": ev.Elapsed.Seconds(),
		"node":     ev.Node,
		"kind":     ev.Kind.String(),
	}
	if len(ev.Fields) > 0 {
		fields := make(map[string]any, len(ev.Fields))
		for k, v := range ev.Fields {
			fields[k] = normalize(v)
		}
		m["fields"] = fields
	}
	s, err := structpb.NewStruct(m)
	if err != nil {
		return nil, fmt.Errorf("event %d: %w", ev.Seq, err)
	}
	return s, nil
}

// WriteJSONLines writes one JSON object per event.
func WriteJSONLines(w io.Writer, evs []Event) error {
	bw := bufio.NewWriter(w)
	opts := protojson.MarshalOptions{}
	for _, ev := range evs {
		s, err := ToStruct(ev)
		if err != nil {
			return err
		}
		b, err := opts.Marshal(s)
		if err != nil {
			return fmt.Errorf("marshal event %d: %w", ev.Seq, err)
		}
		if _, err := bw.Write(b); err != nil {
			return err
		}
		if err := bw.WriteByte('\n'); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// normalize maps field values onto the types structpb accepts.
func normalize(v any) any {
	switch x := v.(type) {
	case nil, bool, string, float64:
		return x
	case int:
		return float64(x)
	case int64:
		return float64(x)
	case uint64:
		return float64(x)
	case uint8:
		return float64(x)
	case float32:
		return float64(x)
	case time.Duration:
		return x.Seconds()
	case fmt.Stringer:
		return x.String()
	case []int:
		out := make([]any, len(x))
		for i, n := range x {
			out[i] = float64(n)
		}
		return out
	case []string:
		out := make([]any, len(x))
		for i, s := range x {
			out[i] = s
		}
		return out
	default:
		return fmt.Sprint(x)
	}
}

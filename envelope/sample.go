package envelope

import (
	"reflect"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/vinayprograms/lovebridge/bus"
	"github.com/vinayprograms/lovebridge/errors"
)

// Sample is one decoded control-bus sample.
type Sample struct {
	Topic         string
	Discriminator string
	Fields        map[string]any
	Timestamp     time.Time
}

// Timestamp fields checked in order when decoding a sample.
var timestampFields = []string{"private_sndStamp", "timestamp"}

// Samples travel as CBOR maps. CBOR carries NaN and ±Inf natively, so the
// sentinel substitution happens only at the JSON boundary.
var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("envelope: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("envelope: CBOR decoder initialization failed: " + err.Error())
	}
}

// EncodeSample encodes sample fields for publication on the bus.
func EncodeSample(fields map[string]any) ([]byte, error) {
	return encMode.Marshal(fields)
}

// DecodeSample decodes a bus payload. Failures carry MALFORMED_SAMPLE.
// received is used when the payload has no timestamp field of its own.
func DecodeSample(topic, discriminator string, data []byte, received time.Time) (Sample, error) {
	subject := bus.Subject(topic, discriminator)
	if len(data) == 0 {
		return Sample{}, errors.MalformedSample(subject, errEmptyPayload)
	}

	var fields map[string]any
	if err := decMode.Unmarshal(data, &fields); err != nil {
		return Sample{}, errors.MalformedSample(subject, err)
	}
	if fields == nil {
		return Sample{}, errors.MalformedSample(subject, errEmptyPayload)
	}

	ts := received
	for _, name := range timestampFields {
		if v, ok := fields[name]; ok {
			if secs, ok := toFloat(v); ok && secs > 0 {
				ts = FromUnixSeconds(secs)
				break
			}
		}
	}

	return Sample{
		Topic:         topic,
		Discriminator: discriminator,
		Fields:        fields,
		Timestamp:     ts,
	}, nil
}

// DecodeMessage decodes a bus message whose subject is topic + "." + discriminator.
func DecodeMessage(topic string, msg *bus.Message) (Sample, error) {
	disc := ""
	if len(msg.Subject) > len(topic)+1 {
		disc = msg.Subject[len(topic)+1:]
	}
	return DecodeSample(topic, disc, msg.Data, msg.Received)
}

type sampleError string

func (e sampleError) Error() string { return string(e) }

const errEmptyPayload = sampleError("empty payload")

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case int:
		return float64(n), true
	default:
		return 0, false
	}
}

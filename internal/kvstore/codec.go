package kvstore

import (
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// Values are stored as deterministic CBOR: sorted map keys and RFC 3339
// timestamps with nanoseconds, so the same value always produces the same
// bytes and round-trips time.Time without losing precision.
var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	encOpts := cbor.CoreDetEncOptions()
	encOpts.Time = cbor.TimeRFC3339Nano
	var err error
	encMode, err = encOpts.EncMode()
	if err != nil {
		panic("kvstore: cbor encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("kvstore: cbor decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v with the store codec.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes data produced by Marshal into out.
func Unmarshal(data []byte, out any) error {
	return decMode.Unmarshal(data, out)
}

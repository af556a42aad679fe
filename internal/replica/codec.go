package replica

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// ErrMalformedUpdate is returned by ApplyUpdate for bytes that do not
// decode to a valid update.
var ErrMalformedUpdate = errors.New("malformed update")

// Snapshots of large documents carry one array element per character,
// well past the decoder's default limit.
const maxArrayElements = 1 << 24

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	// Deterministic encoding: the same update always produces the same
	// bytes, which keeps snapshots comparable in tests and logs.
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("replica: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		MaxArrayElements: maxArrayElements,
	}.DecMode()
	if err != nil {
		panic("replica: CBOR decoder initialization failed: " + err.Error())
	}
}

func encodeUpdate(u update) []byte {
	data, err := encMode.Marshal(u)
	if err != nil {
		panic("replica: encoding update: " + err.Error())
	}
	return data
}

func decodeUpdate(data []byte) (update, error) {
	var u update
	if len(data) == 0 {
		return u, fmt.Errorf("%w: empty", ErrMalformedUpdate)
	}
	if err := decMode.Unmarshal(data, &u); err != nil {
		return u, fmt.Errorf("%w: %v", ErrMalformedUpdate, err)
	}
	for _, it := range u.Items {
		if it.ID.Clock == 0 {
			return u, fmt.Errorf("%w: item with zero clock", ErrMalformedUpdate)
		}
		if it.Value == "" {
			return u, fmt.Errorf("%w: item %d:%d has no value", ErrMalformedUpdate, it.ID.Client, it.ID.Clock)
		}
		if it.Origin != nil && *it.Origin == it.ID {
			return u, fmt.Errorf("%w: item %d:%d is its own origin", ErrMalformedUpdate, it.ID.Client, it.ID.Clock)
		}
	}
	return u, nil
}

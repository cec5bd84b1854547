package chain

import (
	"strconv"
	"strings"

	errorsmod "cosmossdk.io/errors"
	sdkmath "cosmossdk.io/math"
	"github.com/tidwall/gjson"

	"github.com/GPTx-global/pricefeed/oracle/types"
)

// CapData is a decoded marshalled value: the body plus the slot table its references index into.
type CapData struct {
	Body  gjson.Result
	Slots []string
}

// DecodeCapData accepts both the smallcaps ("#" prefixed body) and the legacy @qclass encodings.
func DecodeCapData(raw string) (CapData, error) {
	if !gjson.Valid(raw) {
		return CapData{}, errorsmod.Wrap(types.ErrInvalidCapData, "not json")
	}

	envelope := gjson.Parse(raw)
	body := envelope.Get("body")
	if !body.Exists() || body.Type != gjson.String {
		return CapData{}, errorsmod.Wrap(types.ErrInvalidCapData, "missing body")
	}

	text := strings.TrimPrefix(body.String(), "#")
	if !gjson.Valid(text) {
		return CapData{}, errorsmod.Wrap(types.ErrInvalidCapData, "body is not json")
	}

	slots := make([]string, 0)
	for _, s := range envelope.Get("slots").Array() {
		slots = append(slots, s.String())
	}

	return CapData{Body: gjson.Parse(text), Slots: slots}, nil
}

// BigInt reads an integer in any of the encodings the chain emits: "+802", {"@qclass":"bigint","digits":"802"}, 802 or "802".
func BigInt(v gjson.Result) (sdkmath.Int, error) {
	var digits string
	switch {
	case v.IsObject() && v.Get("@qclass").String() == "bigint":
		digits = v.Get("digits").String()
	case v.Type == gjson.String:
		digits = strings.TrimPrefix(v.String(), "+")
	case v.Type == gjson.Number:
		digits = v.Raw
	default:
		return sdkmath.Int{}, errorsmod.Wrapf(types.ErrInvalidCapData, "not an integer: %s", v.Raw)
	}

	n, ok := sdkmath.NewIntFromString(digits)
	if !ok {
		return sdkmath.Int{}, errorsmod.Wrapf(types.ErrInvalidCapData, "not an integer: %s", v.Raw)
	}
	return n, nil
}

func Uint(v gjson.Result) (uint64, error) {
	n, err := BigInt(v)
	if err != nil {
		return 0, err
	}
	if n.IsNegative() || !n.IsUint64() {
		return 0, errorsmod.Wrapf(types.ErrInvalidCapData, "out of range: %s", v.Raw)
	}
	return n.Uint64(), nil
}

// String unescapes smallcaps strings, where a leading "!" quotes a special first character.
func String(v gjson.Result) string {
	s := v.String()
	if strings.HasPrefix(s, "!") {
		return s[1:]
	}
	return s
}

// Slot resolves a remotable reference ("$1.Alleged: ..." or {"@qclass":"slot","index":1}) to its slot value.
func (c CapData) Slot(v gjson.Result) (string, bool) {
	var index int
	switch {
	case v.IsObject() && v.Get("@qclass").String() == "slot":
		index = int(v.Get("index").Int())
	case v.Type == gjson.String && strings.HasPrefix(v.String(), "$"):
		ref := strings.TrimPrefix(v.String(), "$")
		if dot := strings.IndexByte(ref, '.'); dot >= 0 {
			ref = ref[:dot]
		}
		i, err := strconv.Atoi(ref)
		if err != nil {
			return "", false
		}
		index = i
	default:
		return "", false
	}

	if index < 0 || index >= len(c.Slots) {
		return "", false
	}
	return c.Slots[index], true
}

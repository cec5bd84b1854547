package tx

import (
	"strings"

	sdkmath "cosmossdk.io/math"
	"github.com/tidwall/sjson"

	"github.com/GPTx-global/pricefeed/oracle/types"
)

// PushPriceOffer is a continuing offer that pushes unitPrice to roundID of the
// feed behind PreviousOffer.
type PushPriceOffer struct {
	ID            int64
	PreviousOffer string
	UnitPrice     sdkmath.Int
	RoundID       uint64
}

// smallcaps reserves these leading characters and quotes them with '!'.
const smallcapsSpecial = `!"#$%&'()*+,-`

func smallcapsString(s string) string {
	if s != "" && strings.ContainsRune(smallcapsSpecial, rune(s[0])) {
		return "!" + s
	}
	return s
}

// BuildPushPriceAction marshals an executeOffer bridge action as capdata.
func BuildPushPriceAction(offer PushPriceOffer) (string, error) {
	body := `{"method":"","offer":{"invitationSpec":{"invitationArgs":[{}]}}}`
	steps := []struct {
		path  string
		value any
	}{
		{"method", "executeOffer"},
		{"offer.id", offer.ID},
		{"offer.invitationSpec.source", "continuing"},
		{"offer.invitationSpec.previousOffer", smallcapsString(offer.PreviousOffer)},
		{"offer.invitationSpec.invitationMakerName", types.PushPriceInvitation},
		{"offer.invitationSpec.invitationArgs.0.unitPrice", "+" + offer.UnitPrice.String()},
		{"offer.invitationSpec.invitationArgs.0.roundId", offer.RoundID},
	}

	var err error
	for _, step := range steps {
		if body, err = sjson.Set(body, step.path, step.value); err != nil {
			return "", err
		}
	}
	if body, err = sjson.SetRaw(body, "offer.proposal", `{}`); err != nil {
		return "", err
	}

	envelope, err := sjson.Set(`{}`, "body", "#"+body)
	if err != nil {
		return "", err
	}
	return sjson.SetRaw(envelope, "slots", `[]`)
}

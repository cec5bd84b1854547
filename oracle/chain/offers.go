package chain

import (
	"context"
	"strconv"
	"strings"

	errorsmod "cosmossdk.io/errors"
	sdkmath "cosmossdk.io/math"
	"github.com/tidwall/gjson"

	"github.com/GPTx-global/pricefeed/oracle/types"
)

// ParseOfferStatus turns one wallet update into an OfferRecord. ok is false for non offer updates.
func ParseOfferStatus(cd CapData) (types.OfferRecord, bool, error) {
	if cd.Body.Get("updated").String() != "offerStatus" {
		return types.OfferRecord{}, false, nil
	}

	status := cd.Body.Get("status")
	id := status.Get("id")
	if !id.Exists() {
		return types.OfferRecord{}, false, errorsmod.Wrap(types.ErrInvalidCapData, "offer status without id")
	}

	spec := status.Get("invitationSpec")
	rec := types.OfferRecord{
		ID:                  String(id),
		PreviousOffer:       String(spec.Get("previousOffer")),
		InvitationMakerName: String(spec.Get("invitationMakerName")),
		UnitPrice:           sdkmath.ZeroInt(),
	}

	if errField := status.Get("error"); errField.Exists() {
		rec.Error = String(errField)
		if rec.Error == "" {
			rec.Error = "unknown error"
		}
	}

	args := spec.Get("invitationArgs.0")
	if args.Exists() {
		if v := args.Get("roundId"); v.Exists() {
			roundID, err := Uint(v)
			if err != nil {
				return types.OfferRecord{}, false, err
			}
			rec.RoundID = roundID
		}
		if v := args.Get("unitPrice"); v.Exists() {
			price, err := BigInt(v)
			if err != nil {
				return types.OfferRecord{}, false, err
			}
			rec.UnitPrice = price
		}
	}

	return rec, true, nil
}

// IterateOffers walks the operator's offer statuses newest first, following the vstorage stream
// back through earlier block heights. fn returns false to stop. At most MaxScan raw entries are visited.
func (c *Client) IterateOffers(ctx context.Context, operator string, fn func(types.OfferRecord) bool) error {
	key := walletKey(operator)
	visited := 0

	cell, err := c.readCell(ctx, key, 0)
	if err != nil {
		return err
	}

	for {
		for i := len(cell.values) - 1; i >= 0; i-- {
			if visited >= c.opts.MaxScan {
				return nil
			}
			visited++

			cd, err := DecodeCapData(cell.values[i])
			if err != nil {
				c.logger.Debug().Err(err).Str("key", key).Msg("skipping undecodable wallet entry")
				continue
			}
			rec, ok, err := ParseOfferStatus(cd)
			if err != nil {
				c.logger.Debug().Err(err).Str("key", key).Msg("skipping malformed offer status")
				continue
			}
			if !ok {
				continue
			}
			if !fn(rec) {
				return nil
			}
		}

		if cell.blockHeight <= 1 {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		prev, err := c.readCell(ctx, key, cell.blockHeight-1)
		if err != nil {
			return err
		}
		if len(prev.values) == 0 || prev.blockHeight >= cell.blockHeight {
			return nil
		}
		cell = prev
	}
}

// FeedInvitations maps feed names (e.g. ATOM-USD) to the operator's offer handle for that feed.
func (c *Client) FeedInvitations(ctx context.Context, operator string) (map[string]string, error) {
	boards, err := c.instanceNames(ctx)
	if err != nil {
		return nil, err
	}

	current, err := c.latest(ctx, currentKey(operator))
	if err != nil {
		return nil, err
	}

	feedOf := func(ref gjson.Result) (string, bool) {
		boardID, ok := current.Slot(ref)
		if !ok {
			return "", false
		}
		name, ok := boards[boardID]
		if !ok {
			return "", false
		}
		return strings.Split(name, " price feed")[0], true
	}

	invitations := make(map[string]string)

	for _, entry := range current.Body.Get("liveOffers").Array() {
		offerID := String(entry.Get("0"))
		instance := entry.Get("1.invitationSpec.instance")
		if !instance.Exists() {
			continue
		}
		if feed, ok := feedOf(instance); ok {
			invitations[feed] = offerID
		}
	}

	for _, entry := range current.Body.Get("offerToUsedInvitation").Array() {
		offerID := String(entry.Get("0"))
		instance := entry.Get("1.value.0.instance")
		if !instance.Exists() {
			continue
		}
		feed, ok := feedOf(instance)
		if !ok {
			continue
		}
		existing, ok := invitations[feed]
		if !ok {
			invitations[feed] = offerID
			continue
		}
		// a newer accept replaces an older one; handles without a timestamp are kept
		if prev := acceptTime(existing); prev >= 0 && acceptTime(offerID) > prev {
			invitations[feed] = offerID
		}
	}

	return invitations, nil
}

// ResolveInvitation returns the offer handle the operator continues from when pushing to feed.
func (c *Client) ResolveInvitation(ctx context.Context, operator, feed string) (string, error) {
	invitations, err := c.FeedInvitations(ctx, operator)
	if err != nil {
		return "", err
	}

	handle, ok := invitations[feed]
	if !ok {
		return "", errorsmod.Wrapf(types.ErrInvitationNotFound, "feed %s", feed)
	}
	return handle, nil
}

// instanceNames maps board ids to agoricNames instance names.
func (c *Client) instanceNames(ctx context.Context) (map[string]string, error) {
	cd, err := c.latest(ctx, instancesKey)
	if err != nil {
		return nil, err
	}

	names := make(map[string]string)
	for _, entry := range cd.Body.Array() {
		boardID, ok := cd.Slot(entry.Get("1"))
		if !ok {
			continue
		}
		names[boardID] = String(entry.Get("0"))
	}
	return names, nil
}

// acceptTime extracts <ts> from "oracleAccept-<ts>", or -1.
func acceptTime(offerID string) int64 {
	_, ts, ok := strings.Cut(offerID, "oracleAccept-")
	if !ok {
		return -1
	}
	n, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return -1
	}
	return n
}

package service

import (
	"github.com/marketloop/offer-service/internal/bus"
	"github.com/marketloop/offer-service/internal/model"
)

// Topic is one fan-out destination for a committed transition. UserID is set
// for identity topics, where undelivered events fall back to pending storage.
type Topic struct {
	Name   string
	UserID string
}

// RouteTopics maps one business event to its topic set: both negotiating
// parties, plus the listing watchers channel. The registry side handles the
// topic → local connections leg.
func RouteTopics(o *model.Offer) []Topic {
	return []Topic{
		{Name: bus.UserTopic(o.BuyerID), UserID: o.BuyerID},
		{Name: bus.UserTopic(o.SellerID), UserID: o.SellerID},
		{Name: bus.ListingTopic(o.ListingID)},
	}
}

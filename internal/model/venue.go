package model

import "time"

// VenueSymbol is one entry of a venue's exchange-info response.
type VenueSymbol struct {
	Symbol     string `json:"symbol"`
	BaseAsset  string `json:"baseAsset"`
	QuoteAsset string `json:"quoteAsset"`
	Status     string `json:"status"`
}

// ExchangeInfo is the venue's instrument catalogue.
type ExchangeInfo struct {
	Timezone   string        `json:"timezone"`
	ServerTime int64         `json:"serverTime"`
	Symbols    []VenueSymbol `json:"symbols"`
}

// FeedBar is a single bar pushed over the realtime feed.
type FeedBar struct {
	Symbol    string    `json:"symbol"`
	Timeframe Timeframe `json:"timeframe"`
	OpenTime  time.Time `json:"open_time"`
	Open      string    `json:"open"`
	High      string    `json:"high"`
	Low       string    `json:"low"`
	Close     string    `json:"close"`
	Volume    string    `json:"volume"`
	Closed    bool      `json:"closed"`
}

// FeedEnvelope wraps every message the feed sends after authentication.
type FeedEnvelope struct {
	Type   string   `json:"type"`
	Symbol string   `json:"symbol,omitempty"`
	Bar    *FeedBar `json:"bar,omitempty"`
	Error  string   `json:"error,omitempty"`
}

// Feed message types.
const (
	FeedMsgAuthOK     = "auth_ok"
	FeedMsgSubscribed = "subscribed"
	FeedMsgBar        = "bar"
	FeedMsgError      = "error"
)

// Package codec turns signed listing events into listing models.
package codec

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/mmcloughlin/geohash"
	"github.com/nbd-wtf/go-nostr"

	"nostrsync/internal/listing/models"
	"nostrsync/pkg/platform/sentinel"
)

// Decode walks the tag list once. Recognized tags fill structured fields with
// last-tag-wins semantics; everything else accumulates into Attributes.
// The returned listing has no local ID yet.
func Decode(evt *nostr.Event) (*models.Listing, error) {
	body, err := content(evt.Content)
	if err != nil {
		return nil, fmt.Errorf("event %s: %w", evt.ID, err)
	}
	l := &models.Listing{
		EventID:    evt.ID,
		Kind:       evt.Kind,
		PubKey:     strings.ToLower(evt.PubKey),
		CreatedAt:  time.Unix(int64(evt.CreatedAt), 0).UTC(),
		Attributes: make(map[string][]string),
		Content:    body,
	}

	addressTags := 0
	for _, tag := range evt.Tags {
		if len(tag) == 0 {
			continue
		}
		for _, v := range tag {
			if err := storable(v); err != nil {
				return nil, fmt.Errorf("event %s tag %q: %w", evt.ID, tag[0], err)
			}
		}
		name, values := tag[0], tag[1:]
		first := ""
		if len(values) > 0 {
			first = values[0]
		}

		switch name {
		case "d":
			addressTags++
			l.AddressKey = first
		case "price":
			price, err := decodePrice(values)
			if err != nil {
				return nil, err
			}
			l.Price = price
		case "g":
			loc, err := decodeGeohash(first)
			if err != nil {
				return nil, err
			}
			l.Location = loc
		case "image":
			if first == "" {
				continue
			}
			l.Images = append(l.Images, decodeImage(values))
		case "title":
			l.Title = first
		case "street":
			l.Street = first
		case "city":
			l.City = first
		case "country":
			l.Country = first
		case "resin-type":
			l.ResinType = first
		case "attribution":
			l.Attribution = first
		default:
			l.Attributes[name] = append(l.Attributes[name], values...)
		}
	}

	switch addressTags {
	case 1:
	case 0:
		return nil, fmt.Errorf("%w: event %s has no d tag", sentinel.ErrValidation, evt.ID)
	default:
		return nil, fmt.Errorf("%w: event %s has %d d tags", sentinel.ErrValidation, evt.ID, addressTags)
	}
	return l, nil
}

// Price bounds mirror the listings columns: NUMERIC(20, 8), VARCHAR(10) and
// VARCHAR(100).
const (
	maxPriceAmount  = 1e12
	priceScale      = 1e8
	maxCurrencyLen  = 10
	maxFrequencyLen = 100
)

func decodePrice(values []string) (*models.Price, error) {
	if len(values) == 0 {
		return nil, fmt.Errorf("%w: price tag without amount", sentinel.ErrValidation)
	}
	amount, err := strconv.ParseFloat(strings.TrimSpace(values[0]), 64)
	if err != nil || math.IsNaN(amount) || math.IsInf(amount, 0) {
		return nil, fmt.Errorf("%w: price amount %q", sentinel.ErrValidation, values[0])
	}
	if math.Abs(math.Round(amount*priceScale)/priceScale) >= maxPriceAmount {
		return nil, fmt.Errorf("%w: price amount %q out of range", sentinel.ErrValidation, values[0])
	}
	p := &models.Price{Amount: amount}
	if len(values) > 1 {
		p.Currency = values[1]
	}
	if len(values) > 2 {
		p.Frequency = values[2]
	}
	if utf8.RuneCountInString(p.Currency) > maxCurrencyLen {
		return nil, fmt.Errorf("%w: price currency longer than %d", sentinel.ErrValidation, maxCurrencyLen)
	}
	if utf8.RuneCountInString(p.Frequency) > maxFrequencyLen {
		return nil, fmt.Errorf("%w: price frequency longer than %d", sentinel.ErrValidation, maxFrequencyLen)
	}
	return p, nil
}

func decodeGeohash(hash string) (*models.Location, error) {
	hash = strings.ToLower(strings.TrimSpace(hash))
	if hash == "" {
		return nil, fmt.Errorf("%w: empty geohash", sentinel.ErrValidation)
	}
	if err := geohash.Validate(hash); err != nil {
		return nil, fmt.Errorf("%w: geohash %q: %v", sentinel.ErrValidation, hash, err)
	}
	lat, lng := geohash.DecodeCenter(hash)
	return &models.Location{Latitude: lat, Longitude: lng}, nil
}

// decodeImage reads ["image", url, "WxH"?]. Malformed dimensions are ignored
// rather than failing the whole listing.
func decodeImage(values []string) models.ImageAsset {
	img := models.ImageAsset{URL: values[0]}
	if len(values) > 1 {
		if w, h, ok := strings.Cut(values[1], "x"); ok {
			width, errW := strconv.Atoi(w)
			height, errH := strconv.Atoi(h)
			if errW == nil && errH == nil && width > 0 && height > 0 {
				img.Width, img.Height = width, height
			}
		}
	}
	return img
}

// content keeps structured JSON as is and encodes anything else as a JSON string.
// Postgres text and jsonb cannot hold NUL, so it is rejected in either form.
func content(raw string) (json.RawMessage, error) {
	if err := storable(raw); err != nil {
		return nil, fmt.Errorf("content: %w", err)
	}
	trimmed := strings.TrimSpace(raw)
	if trimmed != "" && json.Valid([]byte(trimmed)) {
		if strings.Contains(trimmed, `\u0000`) {
			return nil, fmt.Errorf("%w: content holds an escaped NUL", sentinel.ErrValidation)
		}
		return json.RawMessage(trimmed), nil
	}
	encoded, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: content: %w", sentinel.ErrValidation, err)
	}
	return encoded, nil
}

func storable(v string) error {
	if !utf8.ValidString(v) {
		return fmt.Errorf("%w: invalid UTF-8", sentinel.ErrValidation)
	}
	if strings.IndexByte(v, 0) >= 0 {
		return fmt.Errorf("%w: NUL byte", sentinel.ErrValidation)
	}
	return nil
}

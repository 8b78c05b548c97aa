package push

import (
	"fmt"
	"strings"
	"time"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// Event types understood by BuildPayload.
const (
	EventBookingConfirmed = "booking.confirmed"
	EventBookingCancelled = "booking.cancelled"
	EventBookingReminder  = "booking.reminder"
	EventMessageNew       = "message.new"
	EventPriceAlert       = "price.alert"
)

const (
	defaultTitle    = "GearHub"
	defaultBody     = "You have a new notification."
	defaultURL      = "/notifications"
	maxPreviewRunes = 140
)

// Event is a domain event worth a push notification.
type Event struct {
	Type string
	// ResourceID is the booking, thread or listing id the event refers to.
	ResourceID string
	// Item is the equipment name.
	Item string
	// Sender is the author of a new message.
	Sender string
	// Preview is the message text.
	Preview  string
	StartsAt time.Time

	OldPriceCents int64
	NewPriceCents int64
	Currency      string
}

// Action is a notification action button.
type Action struct {
	Action string `json:"action"`
	Title  string `json:"title"`
}

// Payload is what the service worker shows.
type Payload struct {
	Title   string            `json:"title"`
	Body    string            `json:"body"`
	URL     string            `json:"url"`
	Tag     string            `json:"tag,omitempty"`
	Actions []Action          `json:"actions,omitempty"`
	Data    map[string]string `json:"data,omitempty"`
}

// Localizer is the message printer contract used for payload copy.
type Localizer interface {
	Sprintf(key message.Reference, args ...any) string
}

var defaultPrinter = message.NewPrinter(language.English)

// BuildPayload maps an event to English notification copy.
func BuildPayload(ev Event) Payload {
	return BuildPayloadFor(defaultPrinter, ev)
}

// BuildPayloadFor maps an event to notification copy using loc.
// It has no side effects.
func BuildPayloadFor(loc Localizer, ev Event) Payload {
	if loc == nil {
		loc = defaultPrinter
	}
	id := strings.TrimSpace(ev.ResourceID)
	item := strings.TrimSpace(ev.Item)
	if item == "" {
		item = localizeWithFallback(loc, "push.item.unknown", "your equipment")
	}

	switch normalizeToken(ev.Type) {
	case EventBookingConfirmed:
		return Payload{
			Title:   localizeWithFallback(loc, "push.booking_confirmed.title", "Booking confirmed"),
			Body:    localize(loc, "push.booking_confirmed.body", item),
			URL:     pathFor("/bookings/", id),
			Tag:     tagFor("booking", id),
			Actions: []Action{action(loc, "view_booking", "View booking")},
			Data:    data(ev.Type, id),
		}
	case EventBookingCancelled:
		return Payload{
			Title: localizeWithFallback(loc, "push.booking_cancelled.title", "Booking cancelled"),
			Body:  localize(loc, "push.booking_cancelled.body", item),
			URL:   pathFor("/bookings/", id),
			Tag:   tagFor("booking", id),
			Actions: []Action{
				action(loc, "rebook", "Book again"),
				action(loc, "dismiss", "Dismiss"),
			},
			Data: data(ev.Type, id),
		}
	case EventBookingReminder:
		when := "soon"
		if !ev.StartsAt.IsZero() {
			when = "on " + ev.StartsAt.UTC().Format("Mon, Jan 2 at 15:04 UTC")
		}
		return Payload{
			Title:   localizeWithFallback(loc, "push.booking_reminder.title", "Rental starts soon"),
			Body:    localize(loc, "push.booking_reminder.body", item, when),
			URL:     pathFor("/bookings/", id),
			Tag:     tagFor("booking", id),
			Actions: []Action{action(loc, "view_booking", "View booking")},
			Data:    data(ev.Type, id),
		}
	case EventMessageNew:
		title := localizeWithFallback(loc, "push.message_new.title_anonymous", "New message")
		if sender := strings.TrimSpace(ev.Sender); sender != "" {
			title = localize(loc, "push.message_new.title", sender)
		}
		return Payload{
			Title: title,
			Body:  truncate(strings.TrimSpace(ev.Preview), maxPreviewRunes),
			URL:   pathFor("/messages/", id),
			Tag:   tagFor("message", id),
			Actions: []Action{
				action(loc, "reply", "Reply"),
				action(loc, "dismiss", "Dismiss"),
			},
			Data: data(ev.Type, id),
		}
	case EventPriceAlert:
		return Payload{
			Title: localizeWithFallback(loc, "push.price_alert.title", "Price drop"),
			Body: localize(loc, "push.price_alert.body", item,
				formatPrice(ev.NewPriceCents, ev.Currency),
				formatPrice(ev.OldPriceCents, ev.Currency)),
			URL:     pathFor("/equipment/", id),
			Tag:     tagFor("price", id),
			Actions: []Action{action(loc, "view_listing", "View listing")},
			Data:    data(ev.Type, id),
		}
	default:
		return Payload{
			Title: localizeWithFallback(loc, "push.generic.title", defaultTitle),
			Body:  localizeWithFallback(loc, "push.generic.body", defaultBody),
			URL:   defaultURL,
			Data:  data(ev.Type, id),
		}
	}
}

func action(loc Localizer, name, fallback string) Action {
	return Action{Action: name, Title: localizeWithFallback(loc, "push.action."+name, fallback)}
}

func pathFor(prefix, id string) string {
	if id == "" {
		return defaultURL
	}
	return prefix + id
}

func tagFor(kind, id string) string {
	if id == "" {
		return kind
	}
	return kind + "-" + id
}

func data(typ, id string) map[string]string {
	d := map[string]string{"type": normalizeToken(typ)}
	if id != "" {
		d["id"] = id
	}
	return d
}

func formatPrice(cents int64, currency string) string {
	currency = strings.ToUpper(strings.TrimSpace(currency))
	if currency == "" {
		currency = "USD"
	}
	sign := ""
	if cents < 0 {
		sign, cents = "-", -cents
	}
	return fmt.Sprintf("%s%s %d.%02d", sign, currency, cents/100, cents%100)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func localize(loc Localizer, key message.Reference, args ...any) string {
	if loc == nil {
		if s, ok := key.(string); ok {
			return s
		}
		return ""
	}
	return loc.Sprintf(key, args...)
}

func localizeWithFallback(loc Localizer, key, fallback string) string {
	v := strings.TrimSpace(localize(loc, key))
	if v == "" || v == key {
		return fallback
	}
	return v
}

func normalizeToken(raw string) string {
	return strings.ToLower(strings.TrimSpace(raw))
}

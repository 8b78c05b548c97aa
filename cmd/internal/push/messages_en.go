package push

import (
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

func init() {
	set := func(key, msg string) {
		_ = message.SetString(language.English, key, msg)
	}

	set("push.booking_confirmed.title", "Booking confirmed")
	set("push.booking_confirmed.body", "Your booking for %s is confirmed.")
	set("push.booking_cancelled.title", "Booking cancelled")
	set("push.booking_cancelled.body", "Your booking for %s was cancelled.")
	set("push.booking_reminder.title", "Rental starts soon")
	set("push.booking_reminder.body", "Your rental of %s starts %s.")
	set("push.message_new.title", "New message from %s")
	set("push.message_new.title_anonymous", "New message")
	set("push.price_alert.title", "Price drop")
	set("push.price_alert.body", "%s is now %s (was %s).")
	set("push.generic.title", "GearHub")
	set("push.generic.body", "You have a new notification.")

	set("push.action.view_booking", "View booking")
	set("push.action.rebook", "Book again")
	set("push.action.reply", "Reply")
	set("push.action.view_listing", "View listing")
	set("push.action.dismiss", "Dismiss")

	set("push.item.unknown", "your equipment")
}

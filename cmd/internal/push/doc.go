// Package push registers this device for push notifications and builds the
// payloads delivered to it.
//
// Registration is device-scoped and independent of any session: Manager walks
// the platform through capability detection, permission negotiation, service
// worker and push subscription creation, then records the subscription with the
// push registration server. Platform abstracts the device (browser, headless
// agent, test fake).
package push

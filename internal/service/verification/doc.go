// Package verification is the core facade: it accepts uploads, reports
// progress, manages the global suppression lists on behalf of tenants and
// handles the queued file jobs.
//
// Every call that touches tenant-owned data takes an explicit
// domain.Tenant. The suppression lists are the one deliberately global
// dataset. Transport concerns (HTTP, AMQP) live in the callers; this
// package never imports net/http.
package verification

// Package credit implements the per-account credit ledger.
//
// A charge is an atomic compare-and-decrement on the account balance plus a
// journal line, so concurrent charges against one account never overdraw it
// and charges against different accounts never contend. Every charge names
// the file row it pays for, which is what lets a failed batch be refunded
// exactly and lets Reconcile find charges that have no result.
package credit

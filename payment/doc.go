// Package payment verifies on-chain payments before queue admission.
//
// A verification reads a finalized transaction from the ledger and
// proves four things: the transaction succeeded, the claimed wallet
// signed it, the treasury received a transfer, and the amount matches
// the selected tier exactly. Amounts are compared as exact integers
// in the asset's minor unit; there is no tolerance.
package payment

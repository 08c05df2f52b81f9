// Package ledger is a minimal Solana JSON-RPC client scoped to the
// read paths payment verification needs: probing endpoint health,
// fetching parsed finalized transactions, and resolving parsed account
// info for token accounts and mints.
package ledger

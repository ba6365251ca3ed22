// internal/blockchain/solbc/types.go
package solbc

import "time"

// SignatureStatus is the cluster's view of a submitted signature. A nil
// status in a batch means the node has not seen the signature.
type SignatureStatus struct {
	Signature string
	Slot      uint64
	// Confirmed is true once the transaction reached confirmed or finalized.
	Confirmed bool
	Finalized bool
	// Err is the on-chain execution error of a landed but failed transaction.
	Err error
}

// SignatureInfo is one entry of an address's transaction history.
type SignatureInfo struct {
	Signature string
	Slot      uint64
	BlockTime time.Time
	Failed    bool
}

// LogNotification is one transaction mentioning a subscribed address.
type LogNotification struct {
	Signature string
	Slot      uint64
	Failed    bool
	Logs      []string
}
